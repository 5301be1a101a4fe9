package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestAggregatorRecord(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0).UTC()
	agg := New(start)

	agg.Record(crawler.Outcome{State: crawler.StateFetched, NewOrUpdated: true})
	agg.Record(crawler.Outcome{State: crawler.StateRedirected, NewOrUpdated: true})
	agg.Record(crawler.Outcome{State: crawler.StateCached})
	agg.Record(crawler.Outcome{State: crawler.StateCached, CachedRedirect: true})
	agg.Record(crawler.Outcome{State: crawler.StateError})
	agg.Record(crawler.Outcome{State: crawler.StatePending})

	s := agg.Snapshot()
	require.EqualValues(t, 5, s.Total)
	require.EqualValues(t, 2, s.Fetched)
	require.EqualValues(t, 1, s.Redirects)
	require.EqualValues(t, 2, s.Cached)
	require.EqualValues(t, 1, s.CachedRedirects)
	require.EqualValues(t, 1, s.Errors)
	require.EqualValues(t, 2, s.NewOrUpdated)
	require.Equal(t, s.Total, s.Cached+s.Fetched+s.Errors)
	require.Nil(t, s.EndTime)
	require.Equal(t, "still running", s.Duration)

	agg.Finish(start.Add(3723 * time.Second))
	agg.Finish(start.Add(time.Hour * 10))
	s = agg.Snapshot()
	require.NotNil(t, s.EndTime)
	require.Equal(t, "1 hour, 2 minutes, 3 seconds", s.Duration)
}

func TestAggregatorConcurrentRecord(t *testing.T) {
	t.Parallel()

	agg := New(time.Now())
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Record(crawler.Outcome{State: crawler.StateFetched})
			agg.Record(crawler.Outcome{State: crawler.StateError})
		}()
	}
	wg.Wait()

	s := agg.Snapshot()
	require.EqualValues(t, 100, s.Total)
	require.Equal(t, s.Total, s.Cached+s.Fetched+s.Errors)
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0 seconds", FormatDuration(0))
	require.Equal(t, "1 second", FormatDuration(time.Second))
	require.Equal(t, "2 days, 1 minute", FormatDuration(48*time.Hour+time.Minute))
	require.Equal(t, "0 seconds", FormatDuration(-time.Second))
}
