package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveURLCountsByOutcome(t *testing.T) {
	Init()
	Init()

	counter := crawlerURLsTotal.WithLabelValues("metrics-url.test", "cached")
	before := testutil.ToFloat64(counter)
	ObserveURL("https://Metrics-URL.test/a", "cached")
	ObserveURL("https://metrics-url.test/b", "cached")
	require.InDelta(t, before+2, testutil.ToFloat64(counter), 0.001)
}

func TestObserveFetchSkipsEmptyBodies(t *testing.T) {
	Init()

	counter := crawlerBytesTotal.WithLabelValues("metrics-bytes.test")
	before := testutil.ToFloat64(counter)
	ObserveFetch("https://metrics-bytes.test/", 0, time.Millisecond)
	ObserveFetch("https://metrics-bytes.test/", 512, time.Millisecond)
	require.InDelta(t, before+512, testutil.ToFloat64(counter), 0.001)
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()

	before := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	require.InDelta(t, before+1, testutil.ToFloat64(crawlerActiveWorkers), 0.001)
	DecActiveWorkers()
	require.InDelta(t, before, testutil.ToFloat64(crawlerActiveWorkers), 0.001)
}

func TestObserveJobAndExtraction(t *testing.T) {
	Init()

	jobs := crawlerJobsTotal.WithLabelValues("canceled")
	before := testutil.ToFloat64(jobs)
	ObserveJob("canceled")
	require.InDelta(t, before+1, testutil.ToFloat64(jobs), 0.001)

	ext := crawlerExtractionsTotal.WithLabelValues("binary", "error")
	before = testutil.ToFloat64(ext)
	ObserveExtraction("binary", "error")
	require.InDelta(t, before+1, testutil.ToFloat64(ext), 0.001)

	ObservePhase("fetch", "succeeded", 3*time.Second)
	ObserveRateLimitDelay("example.com", 200*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(crawlerPhaseDurationSeconds))
	require.Positive(t, testutil.CollectAndCount(crawlerRateLimitDelaysSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
