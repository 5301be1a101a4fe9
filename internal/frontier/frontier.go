// Package frontier tracks the URLs of one crawl job and hands them to fetch
// workers. It is the single point of serialization of a crawl: every
// schedule decision goes through one mutex.
package frontier

import (
	"sort"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/stats"
)

// Options bounds a Frontier.
type Options struct {
	// MaxPages caps how many URLs may enter in_flight. Zero means unbounded.
	MaxPages int
	// Sitemap switches seeds to sitemap documents and disables link discovery.
	Sitemap bool
}

// Frontier is the job-scoped work structure.
type Frontier struct {
	filter *Filter
	stats  *stats.Aggregator
	opts   Options

	mu       sync.Mutex
	cond     *sync.Cond
	records  map[string]*crawler.URLRecord
	pending  []string
	inFlight int
	started  int
	closed   bool
}

// New builds an empty Frontier.
func New(filter *Filter, agg *stats.Aggregator, opts Options) *Frontier {
	f := &Frontier{
		filter:  filter,
		stats:   agg,
		opts:    opts,
		records: make(map[string]*crawler.URLRecord),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Seed enqueues starting URLs at depth 1 without consulting the filter.
// It returns how many seeds were new.
func (f *Frontier) Seed(urls []string) int {
	added := 0
	for _, raw := range urls {
		norm, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		if f.add(norm, 1, "", f.opts.Sitemap) {
			added++
		}
	}
	return added
}

// Discover schedules a link found on parent. The first discoverer of a URL
// wins; filtered and duplicate links are dropped silently.
func (f *Frontier) Discover(candidate string, depth int, parent string) bool {
	if f.opts.Sitemap {
		return false
	}
	norm, err := crawler.NormalizeURL(candidate)
	if err != nil {
		return false
	}
	if !f.filter.Admit(norm, depth) {
		return false
	}
	return f.add(norm, depth, parent, false)
}

// DiscoverSitemapEntry schedules a <loc> entry of the sitemap at parent.
func (f *Frontier) DiscoverSitemapEntry(candidate, parent string) bool {
	norm, err := crawler.NormalizeURL(candidate)
	if err != nil {
		return false
	}
	if !f.filter.AdmitSitemapEntry(norm) {
		return false
	}
	return f.add(norm, crawler.SitemapEntriesDepth, parent, false)
}

// Alias marks a redirect target as known so it is never scheduled on its
// own. It reports whether the URL was previously unknown.
func (f *Frontier) Alias(candidate string, depth int, parent string) bool {
	norm, err := crawler.NormalizeURL(candidate)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, known := f.records[norm]; known {
		return false
	}
	f.records[norm] = &crawler.URLRecord{
		URL:       norm,
		Depth:     depth,
		ParentURL: parent,
		State:     crawler.StateRedirected,
		Alias:     true,
	}
	return true
}

func (f *Frontier) add(norm string, depth int, parent string, sitemap bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, known := f.records[norm]; known {
		return false
	}
	f.records[norm] = &crawler.URLRecord{
		URL:       norm,
		Depth:     depth,
		ParentURL: parent,
		State:     crawler.StatePending,
		Sitemap:   sitemap,
	}
	f.pending = append(f.pending, norm)
	f.cond.Signal()
	return true
}

// Next pops a pending URL and moves it to in_flight. It blocks while other
// workers still hold in-flight URLs that may discover more work, and
// returns false once the crawl is complete, max_pages is reached or the
// Frontier is closed.
func (f *Frontier) Next() (crawler.URLRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed || f.limitReached() {
			return crawler.URLRecord{}, false
		}
		if len(f.pending) > 0 {
			url := f.pending[0]
			f.pending[0] = ""
			f.pending = f.pending[1:]
			rec := f.records[url]
			rec.State = crawler.StateInFlight
			f.inFlight++
			f.started++
			return *rec, true
		}
		if f.inFlight == 0 {
			return crawler.URLRecord{}, false
		}
		f.cond.Wait()
	}
}

func (f *Frontier) limitReached() bool {
	return f.opts.MaxPages > 0 && f.started >= f.opts.MaxPages
}

// Complete moves an in-flight URL to its terminal state and records the
// outcome in Stats. Calls for URLs that are not in flight are ignored.
func (f *Frontier) Complete(url string, outcome crawler.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[url]
	if !ok || rec.State != crawler.StateInFlight {
		return
	}
	if !outcome.State.Terminal() {
		outcome.State = crawler.StateError
	}
	rec.State = outcome.State
	f.inFlight--
	if f.stats != nil {
		f.stats.Record(outcome)
	}
	f.cond.Broadcast()
}

// Close stops handing out work. Pending URLs are abandoned.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// InFlight returns the number of URLs currently being processed.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Started returns how many URLs have entered in_flight.
func (f *Frontier) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Records returns a snapshot of every known URL sorted by URL.
func (f *Frontier) Records() []crawler.URLRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.URLRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
