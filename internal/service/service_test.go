package service

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/engine"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
)

func newService(t *testing.T, fetcher crawler.Fetcher) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	clock := system.New()
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})
	}
	fetch, err := engine.New(engine.Options{
		Store:   store,
		Fetcher: fetcher,
		Hasher:  sha256.New(),
		Clock:   clock,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	ext, err := extract.New(extract.Options{Store: store, Clock: clock, Concurrency: 2})
	require.NoError(t, err)
	svc, err := New(Options{Store: store, Fetch: fetch, Extract: ext, Clock: clock, Logger: zap.NewNop()})
	require.NoError(t, err)
	return svc, store
}

// fivePageSite serves five pages that all link to each other.
func fivePageSite(t *testing.T) *httptest.Server {
	t.Helper()
	paths := []string{"/", "/a", "/b", "/c", "/d"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		var b strings.Builder
		fmt.Fprintf(&b, "<html><head><title>Page %s</title></head><body>", r.URL.Path)
		for _, p := range paths {
			fmt.Fprintf(&b, `<a href="%s">%s</a>`, p, p)
		}
		b.WriteString("</body></html>")
		fmt.Fprint(w, b.String())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestExampleScenario(t *testing.T) {
	t.Parallel()

	srv := fivePageSite(t)
	svc, _ := newService(t, nil)
	ctx := context.Background()

	cfg := crawler.DefaultCrawlConfig()
	cfg.StartingURLs = []string{srv.URL + "/"}
	cfg.MaxPages = 3
	cfg.Concurrency = 2
	cfg.ExtractionRules = crawler.RuleSet{{FieldName: "title", RegexPattern: "<title>(.*?)</title>"}}

	st, err := svc.RunFetchPhase(ctx, "example", cfg)
	require.NoError(t, err)
	require.EqualValues(t, 3, st.Total)
	require.Equal(t, st.Total, st.Cached+st.Fetched+st.Errors)

	records, err := svc.RunExtractionPhase(ctx, "example", cfg.ExtractionRules)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		require.True(t, strings.HasPrefix(rec.Fields["title"], "Page /"), rec.Fields["title"])
	}

	persisted, err := svc.GetStats(ctx, "example")
	require.NoError(t, err)
	require.Equal(t, st.Total, persisted.Total)
	require.True(t, persisted.Finished())

	page, err := svc.Browse(ctx, "example", 0, 2, false)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, 2, page.TotalPages)
	require.Equal(t, 3, page.NumRecords)
	require.Empty(t, page.Items[0].Content)

	last, err := svc.Browse(ctx, "example", 1, 2, true)
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	require.Contains(t, last.Items[0].Content, "<title>")
}

func TestBrowseDefaults(t *testing.T) {
	t.Parallel()

	svc, store := newService(t, nil)
	ctx := context.Background()
	for i := range 25 {
		require.NoError(t, store.SaveExtraction(ctx, "docs", crawler.ExtractedRecord{
			URI:    fmt.Sprintf("https://x.test/%02d", i),
			Fields: map[string]string{},
			Text:   "converted text",
		}))
	}

	page, err := svc.Browse(ctx, "docs", -3, 0, true)
	require.NoError(t, err)
	require.Equal(t, 0, page.Page)
	require.Equal(t, DefaultRows, page.Rows)
	require.Len(t, page.Items, DefaultRows)
	require.Equal(t, 2, page.TotalPages)
	require.Equal(t, "converted text", page.Items[0].Content)

	empty, err := svc.Browse(ctx, "nothing", 0, 10, false)
	require.NoError(t, err)
	require.NotNil(t, empty.Items)
	require.Zero(t, empty.TotalPages)
}

func TestBrowseBoundsPaging(t *testing.T) {
	t.Parallel()

	svc, store := newService(t, nil)
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, store.SaveExtraction(ctx, "docs", crawler.ExtractedRecord{
			URI:    fmt.Sprintf("https://x.test/%d", i),
			Fields: map[string]string{},
		}))
	}

	huge, err := svc.Browse(ctx, "docs", 0, math.MaxInt, false)
	require.NoError(t, err)
	require.Equal(t, MaxRows, huge.Rows)
	require.Equal(t, 1, huge.TotalPages)
	require.Len(t, huge.Items, 3)

	_, err = svc.Browse(ctx, "docs", math.MaxInt/2, 20, false)
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)

	beyond, err := svc.Browse(ctx, "docs", math.MaxInt/MaxRows, MaxRows, false)
	require.NoError(t, err)
	require.Empty(t, beyond.Items)
	require.Equal(t, 1, beyond.TotalPages)
}

func TestExtractionBeforeFetch(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, nil)
	_, err := svc.RunExtractionPhase(context.Background(), "never", nil)
	require.ErrorIs(t, err, crawler.ErrPhaseIncomplete)

	_, err = svc.GetStats(context.Background(), "never")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestFetchPhaseValidatesConfig(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, nil)
	_, err := svc.RunFetchPhase(context.Background(), "bad", crawler.CrawlConfig{})
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)

	cfg := crawler.DefaultCrawlConfig()
	cfg.StartingURLs = []string{"https://x.test/"}
	_, err = svc.RunFetchPhase(context.Background(), "", cfg)
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

// gatedFetcher blocks every fetch until release is closed.
type gatedFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return crawler.FetchResponse{}, ctx.Err()
	}
	return crawler.FetchResponse{
		RequestedURL: req.URL,
		URL:          req.URL,
		StatusCode:   http.StatusOK,
		Headers:      http.Header{"Content-Type": []string{"text/html"}},
		Body:         []byte("<html></html>"),
	}, nil
}

func TestLiveStatsAndJobLock(t *testing.T) {
	t.Parallel()

	gate := &gatedFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc, _ := newService(t, gate)
	ctx := context.Background()
	cfg := crawler.DefaultCrawlConfig()
	cfg.StartingURLs = []string{"https://x.test/"}

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunFetchPhase(ctx, "busy", cfg)
		done <- err
	}()
	<-gate.entered

	require.True(t, svc.Running("busy"))
	live, err := svc.GetStats(ctx, "busy")
	require.NoError(t, err)
	require.False(t, live.Finished())
	require.Equal(t, "still running", live.Duration)

	_, err = svc.RunFetchPhase(ctx, "busy", cfg)
	require.ErrorIs(t, err, crawler.ErrJobRunning)
	_, err = svc.RunExtractionPhase(ctx, "busy", nil)
	require.ErrorIs(t, err, crawler.ErrJobRunning)

	close(gate.release)
	require.NoError(t, <-done)
	require.False(t, svc.Running("busy"))

	final, err := svc.GetStats(ctx, "busy")
	require.NoError(t, err)
	require.EqualValues(t, 1, final.Fetched)
}
