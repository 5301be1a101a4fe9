// Package stats aggregates the per-job counters fed by the fetch engine.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Aggregator holds the running counters of one job. Counters only grow.
type Aggregator struct {
	total           atomic.Int64
	cached          atomic.Int64
	cachedRedirects atomic.Int64
	fetched         atomic.Int64
	redirects       atomic.Int64
	errors          atomic.Int64
	newOrUpdated    atomic.Int64

	mu    sync.RWMutex
	start time.Time
	end   *time.Time
}

// New starts an Aggregator at the given time.
func New(start time.Time) *Aggregator {
	return &Aggregator{start: start}
}

// Record counts one terminal outcome.
func (a *Aggregator) Record(outcome crawler.Outcome) {
	switch outcome.State {
	case crawler.StateCached:
		a.cached.Add(1)
		if outcome.CachedRedirect {
			a.cachedRedirects.Add(1)
		}
	case crawler.StateFetched:
		a.fetched.Add(1)
	case crawler.StateRedirected:
		a.fetched.Add(1)
		a.redirects.Add(1)
	case crawler.StateError:
		a.errors.Add(1)
	default:
		return
	}
	if outcome.NewOrUpdated {
		a.newOrUpdated.Add(1)
	}
	a.total.Add(1)
}

// Finish stamps the end time. Later calls are ignored.
func (a *Aggregator) Finish(end time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.end == nil {
		a.end = &end
	}
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() crawler.Stats {
	a.mu.RLock()
	start, end := a.start, a.end
	a.mu.RUnlock()

	s := crawler.Stats{
		Total:           a.total.Load(),
		Cached:          a.cached.Load(),
		CachedRedirects: a.cachedRedirects.Load(),
		Fetched:         a.fetched.Load(),
		Redirects:       a.redirects.Load(),
		Errors:          a.errors.Load(),
		NewOrUpdated:    a.newOrUpdated.Load(),
		StartTime:       start,
	}
	if end != nil {
		e := *end
		s.EndTime = &e
	}
	s.Duration = Describe(s)
	return s
}

// Describe renders the duration of a Stats value for humans.
func Describe(s crawler.Stats) string {
	if s.EndTime == nil {
		return "still running"
	}
	return FormatDuration(s.EndTime.Sub(s.StartTime))
}

// FormatDuration renders d as "1 hour, 2 minutes, 3 seconds".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	units := []struct {
		name string
		size int64
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}
	var parts []string
	for _, u := range units {
		n := secs / u.size
		secs %= u.size
		if n == 0 {
			continue
		}
		name := u.name
		if n != 1 {
			name += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, name))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, ", ")
}
