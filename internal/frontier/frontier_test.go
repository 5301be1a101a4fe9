package frontier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/stats"
)

func newTestFrontier(t *testing.T, opts Options, mutate func(*crawler.CrawlConfig)) (*Frontier, *stats.Aggregator) {
	t.Helper()
	cfg := crawler.DefaultCrawlConfig()
	cfg.StartingURLs = []string{"https://x.test/"}
	cfg.IsSitemap = opts.Sitemap
	if mutate != nil {
		mutate(&cfg)
	}
	filter, err := NewFilter(cfg)
	require.NoError(t, err)
	agg := stats.New(time.Unix(0, 0))
	return New(filter, agg, opts), agg
}

func TestSeedDeduplicatesAndBypassesFilter(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Options{}, nil)
	added := f.Seed([]string{"https://x.test/", "https://X.test/#top", "https://other.test/", "::bad"})
	require.Equal(t, 2, added)

	rec, ok := f.Next()
	require.True(t, ok)
	require.Equal(t, "https://x.test/", rec.URL)
	require.Equal(t, 1, rec.Depth)
	require.Equal(t, crawler.StateInFlight, rec.State)
}

func TestDiscoverFirstWinsUnderConcurrency(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Options{}, nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			link := "https://x.test/shared"
			if i%2 == 0 {
				link += "#frag"
			}
			if f.Discover(link, 2, "https://x.test/") {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.Len(t, f.Records(), 1)
}

func TestDiscoverRejectsDepthBeyondMax(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Options{}, func(c *crawler.CrawlConfig) { c.MaxDepth = 2 })
	require.True(t, f.Discover("https://x.test/a", 2, "https://x.test/"))
	require.False(t, f.Discover("https://x.test/b", 3, "https://x.test/a"))
	require.False(t, f.Discover("https://elsewhere.test/", 2, "https://x.test/"))
}

func TestNextWaitsForInFlightDiscovery(t *testing.T) {
	t.Parallel()

	f, agg := newTestFrontier(t, Options{}, nil)
	f.Seed([]string{"https://x.test/"})

	seed, ok := f.Next()
	require.True(t, ok)

	got := make(chan crawler.URLRecord, 1)
	go func() {
		rec, ok := f.Next()
		if ok {
			got <- rec
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Next returned while the seed was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, f.Discover("https://x.test/child", seed.Depth+1, seed.URL))
	f.Complete(seed.URL, crawler.Outcome{State: crawler.StateFetched, NewOrUpdated: true})

	child, ok := <-got
	require.True(t, ok)
	require.Equal(t, "https://x.test/child", child.URL)
	require.Equal(t, 2, child.Depth)
	require.Equal(t, seed.URL, child.ParentURL)

	f.Complete(child.URL, crawler.Outcome{State: crawler.StateError})
	_, ok = f.Next()
	require.False(t, ok)

	s := agg.Snapshot()
	require.EqualValues(t, 2, s.Total)
	require.EqualValues(t, 1, s.Fetched)
	require.EqualValues(t, 1, s.Errors)
	require.EqualValues(t, 1, s.NewOrUpdated)
}

func TestMaxPagesCapsInFlight(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Options{MaxPages: 3}, nil)
	f.Seed([]string{"https://x.test/"})
	for i := range 5 {
		f.Discover(fmt.Sprintf("https://x.test/p%d", i), 2, "https://x.test/")
	}

	var taken []string
	for {
		rec, ok := f.Next()
		if !ok {
			break
		}
		taken = append(taken, rec.URL)
		f.Complete(rec.URL, crawler.Outcome{State: crawler.StateFetched})
	}
	require.Len(t, taken, 3)
	require.Equal(t, 3, f.Started())

	pending := 0
	for _, rec := range f.Records() {
		if rec.State == crawler.StatePending {
			pending++
		}
	}
	require.Equal(t, 3, pending)
}

func TestCloseReleasesWaiters(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Options{}, nil)
	f.Seed([]string{"https://x.test/"})
	_, ok := f.Next()
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		_, ok := f.Next()
		done <- ok
	}()
	f.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	require.False(t, f.Discover("https://x.test/late", 2, ""))
}

func TestCompleteIgnoresUnknownAndRepeated(t *testing.T) {
	t.Parallel()

	f, agg := newTestFrontier(t, Options{}, nil)
	f.Seed([]string{"https://x.test/"})
	rec, _ := f.Next()

	f.Complete("https://x.test/unknown", crawler.Outcome{State: crawler.StateFetched})
	f.Complete(rec.URL, crawler.Outcome{State: crawler.StateCached})
	f.Complete(rec.URL, crawler.Outcome{State: crawler.StateFetched})

	s := agg.Snapshot()
	require.EqualValues(t, 1, s.Total)
	require.EqualValues(t, 1, s.Cached)
	require.Equal(t, 0, f.InFlight())
}

func TestSitemapModeDiscovery(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Options{Sitemap: true}, nil)
	f.Seed([]string{"https://x.test/sitemap.xml"})
	sm, ok := f.Next()
	require.True(t, ok)
	require.True(t, sm.Sitemap)

	require.False(t, f.Discover("https://x.test/page-link", 2, sm.URL), "no link discovery in sitemap mode")
	require.True(t, f.DiscoverSitemapEntry("https://x.test/a", sm.URL))
	require.False(t, f.DiscoverSitemapEntry("https://x.test/a", sm.URL))
	f.Complete(sm.URL, crawler.Outcome{State: crawler.StateFetched})

	entry, ok := f.Next()
	require.True(t, ok)
	require.Equal(t, 2, entry.Depth)
	require.False(t, entry.Sitemap)
}

func TestAliasMarksKnown(t *testing.T) {
	t.Parallel()

	f, _ := newTestFrontier(t, Options{}, nil)
	require.True(t, f.Alias("https://x.test/final", 1, "https://x.test/"))
	require.False(t, f.Alias("https://x.test/final", 1, "https://x.test/"))
	require.False(t, f.Discover("https://x.test/final", 2, "https://x.test/"))
	_, ok := f.Next()
	require.False(t, ok)
}
