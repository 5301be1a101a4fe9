package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		fmt.Fprintf(w, "<html><title>ok</title><p>%s|%s</p></html>", r.UserAgent(), r.Header.Get("X-Trace"))
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusFound)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop2", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/loop2", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{UserAgent: "default-agent"})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:       srv.URL + "/ok",
		UserAgent: "job-agent",
		Headers:   http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "job-agent|yes")
	require.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", resp.Headers.Get("Last-Modified"))
	require.False(t, resp.Redirected())
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/hop"})
	require.NoError(t, err)
	require.True(t, resp.Redirected())
	require.Equal(t, srv.URL+"/hop", resp.RequestedURL)
	require.Equal(t, srv.URL+"/ok", resp.URL)
}

func TestFetchStopsAtRefusedHop(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{})

	var asked []string
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL: srv.URL + "/hop",
		FollowRedirect: func(target string) bool {
			asked = append(asked, target)
			return false
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/ok"}, asked)
	require.True(t, resp.RedirectStopped)
	require.True(t, resp.Redirected())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, srv.URL+"/ok", resp.URL)
	require.NotContains(t, string(resp.Body), "<title>ok</title>")
}

func TestFetchAskedForEveryHop(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{MaxRedirects: 3})

	hops := 0
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL: srv.URL + "/loop",
		FollowRedirect: func(string) bool {
			hops++
			return hops < 2
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, hops)
	require.True(t, resp.RedirectStopped)
	require.Equal(t, srv.URL+"/loop", resp.URL)
	require.Equal(t, srv.URL+"/loop", resp.RequestedURL)
	require.False(t, resp.Redirected())
}

func TestFetchTooManyRedirects(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{MaxRedirects: 3})

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/loop"})
	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe), "got %v", err)
	require.Equal(t, crawler.CodeTooManyRedirects, fe.Code)
}

func TestFetchReturnsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: 100 * time.Millisecond})

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/slow"})
	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe), "got %v", err)
	require.Equal(t, crawler.CodeTimeout, fe.Code)
}

func TestFetchConnectionError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr + "/gone"})
	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe), "got %v", err)
	require.Equal(t, crawler.CodeConnection, fe.Code)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/slow"})
	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe), "got %v", err)
	require.Equal(t, crawler.CodeCanceled, fe.Code)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com/start",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	start := time.Unix(0, 0)
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, nil, start, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/final"),
		},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))
	require.Equal(t, "https://example.com/start", result.RequestedURL)
	require.True(t, result.Redirected())

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
