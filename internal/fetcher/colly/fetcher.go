// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxRedirects = 30
	DefaultMaxBodySize  = 32 << 20
)

var errTooManyRedirects = errors.New("too many redirects")

type hopGuardKey struct{}

// hopGuard carries a request's FollowRedirect hook through the shared HTTP
// client and remembers the hop it refused.
type hopGuard struct {
	follow  func(target string) bool
	stopped string
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodySize  int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The HTTP client, redirect policy and body limit
// are shared by every request of the Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = crawler.DefaultUserAgent
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
		colly.UserAgent(cfg.UserAgent),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(redirectPolicy(cfg.MaxRedirects))

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Non-2xx responses are
// returned as responses; transport failures are returned as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	timeout := request.Timeout
	if timeout <= 0 || timeout > f.cfg.Timeout {
		timeout = f.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var guard *hopGuard
	if request.FollowRedirect != nil {
		guard = &hopGuard{follow: request.FollowRedirect}
		reqCtx = context.WithValue(reqCtx, hopGuardKey{}, guard)
	}

	start := time.Now()
	collector := f.buildCollector(reqCtx, request, guard, start, &result, &fetchErr)
	if err := f.runCollector(reqCtx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, classify(ctx, request.URL, err)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	guard *hopGuard,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	f.configureCollectorHooks(collector, request, guard, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	guard *hopGuard,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			RequestedURL: request.URL,
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Headers:      headers,
			Body:         append([]byte(nil), r.Body...),
			Duration:     time.Since(start),
		}
		if guard != nil && guard.stopped != "" {
			result.URL = guard.stopped
			result.RedirectStopped = true
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// redirectPolicy bounds the hop count and consults the request's hopGuard,
// if any, before each hop.
func redirectPolicy(limit int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return errTooManyRedirects
		}
		guard, ok := req.Context().Value(hopGuardKey{}).(*hopGuard)
		if ok && !guard.follow(req.URL.String()) {
			guard.stopped = req.URL.String()
			return http.ErrUseLastResponse
		}
		return nil
	}
}

// classify maps a transport failure to a FetchError code. parent is the
// caller's context, used to tell job cancellation from request timeouts.
func classify(parent context.Context, url string, err error) *crawler.FetchError {
	code := crawler.CodeConnection
	var netErr net.Error
	switch {
	case errors.Is(err, errTooManyRedirects):
		code = crawler.CodeTooManyRedirects
	case parent.Err() != nil:
		code = crawler.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		code = crawler.CodeTimeout
	}
	return &crawler.FetchError{URL: url, Code: code, Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
