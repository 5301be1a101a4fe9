package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Crawler: config.CrawlerConfig{Workers: 1, QueueDepth: 4, Concurrency: 2, MaxDepth: 10, PhaseTopic: "phases"},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5},
		Store:   config.StoreConfig{Backend: config.StoreMemory},
		Blob:    config.BlobConfig{Backend: config.BlobMemory},
	}
}

func site(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/about">about</a></body></html>`)
		case "/about":
			fmt.Fprint(w, `<html><head><title>About</title></head><body><h1>About us</h1></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildRunsSubmittedJob(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.Dispatcher().Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := site(t)
	body := fmt.Sprintf(`{"name":"docs","starting_urls":[%q],
		"extraction_rules":[{"field_name":"heading","css_selector":"h1"}]}`, srv.URL+"/")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/crawl", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	require.Eventually(t, func() bool {
		job, err := app.Dispatcher().Job(context.Background(), submitted["job_id"])
		return err == nil && job.Status == crawler.JobStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	st, err := app.Service().GetStats(context.Background(), "docs")
	require.NoError(t, err)
	require.EqualValues(t, 2, st.Total)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/browse/docs?rows=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page crawler.BrowsePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 2, page.NumRecords)
}

func TestBuildWithSQLiteAndLocalBlobs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig()
	cfg.Store = config.StoreConfig{
		Backend: config.StoreSQLite,
		SQLite:  config.SQLiteConfig{Path: filepath.Join(dir, "crawl.db")},
	}
	cfg.Blob = config.BlobConfig{
		Backend: config.BlobLocal,
		Local:   config.LocalBlobConfig{BaseDir: filepath.Join(dir, "blobs")},
	}
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, DefaultRPS: 50, DefaultBurst: 5}
	cfg.Extractor = config.ExtractorConfig{URL: "http://127.0.0.1:1", TimeoutSeconds: 1}
	cfg.Article = config.ArticleConfig{Enabled: true, URL: "http://127.0.0.1:1", APIKey: "key", TimeoutSeconds: 1}

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	require.NoError(t, app.Ready(context.Background()))

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJobDefaults(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Crawler.UserAgent = "agent/2"
	cfg.Crawler.CacheTTLHours = 12

	defaults := JobDefaults(cfg)
	require.Equal(t, 10, defaults.MaxDepth)
	require.Equal(t, 2, defaults.Concurrency)
	require.Equal(t, "agent/2", defaults.UserAgent)
	require.InDelta(t, 12.0, defaults.CacheTTLHours, 0)
	require.True(t, defaults.AllowStartingURLHostname)
}
