// Package engine runs the fetch phase of a crawl job: a bounded pool of
// workers drains the Frontier, consults the Dedup Store, fetches what is not
// cached and feeds discovered links back into the Frontier.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/stats"
)

// errAbandoned marks work dropped because the job was canceled.
var errAbandoned = errors.New("abandoned")

// Store is the part of the Dedup Store the fetch phase needs.
type Store interface {
	crawler.PageStore
	crawler.StatsStore
}

// Options wires the engine's collaborators.
type Options struct {
	Store   Store
	Fetcher crawler.Fetcher
	Hasher  crawler.Hasher
	Clock   crawler.Clock
	// Blobs receives binary bodies when set; otherwise they are stored inline.
	Blobs crawler.BlobStore
	// Limiter delays fetches per host when set.
	Limiter      crawler.Limiter
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// Engine executes fetch phases. It is safe to run several jobs at once.
type Engine struct {
	store        Store
	fetcher      crawler.Fetcher
	hasher       crawler.Hasher
	clock        crawler.Clock
	blobs        crawler.BlobStore
	limiter      crawler.Limiter
	fetchTimeout time.Duration
	logger       *zap.Logger
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		hasher:       opts.Hasher,
		clock:        opts.Clock,
		blobs:        opts.Blobs,
		limiter:      opts.Limiter,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger.Named("engine"),
	}, nil
}

// run is the state of one fetch phase.
type run struct {
	job      string
	cfg      crawler.CrawlConfig
	headers  http.Header
	ttl      time.Duration
	frontier *frontier.Frontier
	logger   *zap.Logger
}

// Run executes phase 1 for job and returns its Stats. agg receives every
// outcome as it happens so callers can report live progress; pass nil to
// use a private aggregator. Individual URL failures never fail the phase;
// a Dedup Store failure does, after the partial Stats are persisted.
func (e *Engine) Run(
	ctx context.Context,
	job string,
	cfg crawler.CrawlConfig,
	agg *stats.Aggregator,
) (crawler.Stats, error) {
	filter, err := frontier.NewFilter(cfg)
	if err != nil {
		return crawler.Stats{}, err
	}
	if agg == nil {
		agg = stats.New(e.clock.Now())
	}
	fr := frontier.New(filter, agg, frontier.Options{
		MaxPages: cfg.PageLimit(),
		Sitemap:  cfg.IsSitemap,
	})
	r := &run{
		job:      job,
		cfg:      cfg,
		headers:  toHeader(cfg.Headers),
		frontier: fr,
		logger:   e.logger.With(zap.String("job", job)),
	}
	if cfg.CacheTTLHours > 0 {
		r.ttl = time.Duration(cfg.CacheTTLHours * float64(time.Hour))
	}

	seeded := fr.Seed(cfg.StartingURLs)
	r.logger.Info("fetch phase started",
		zap.Int("seeds", seeded),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Bool("sitemap", cfg.IsSitemap),
	)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, fr.Close)
	for range max(cfg.Concurrency, 1) {
		g.Go(func() error {
			return e.work(gctx, r)
		})
	}
	runErr := g.Wait()
	stop()

	agg.Finish(e.clock.Now())
	snapshot := agg.Snapshot()
	if err := e.store.SaveStats(context.WithoutCancel(ctx), job, snapshot); err != nil {
		saveErr := &crawler.StoreError{Op: "save stats", Err: err}
		return snapshot, errors.Join(runErr, saveErr)
	}

	fields := []zap.Field{
		zap.Int64("total", snapshot.Total),
		zap.Int64("fetched", snapshot.Fetched),
		zap.Int64("cached", snapshot.Cached),
		zap.Int64("errors", snapshot.Errors),
		zap.String("duration", snapshot.Duration),
	}
	switch {
	case runErr != nil:
		r.logger.Error("fetch phase aborted", append(fields, zap.Error(runErr))...)
		return snapshot, runErr
	case ctx.Err() != nil:
		r.logger.Warn("fetch phase canceled", fields...)
		return snapshot, fmt.Errorf("fetch phase: %w", ctx.Err())
	}
	r.logger.Info("fetch phase finished", fields...)
	return snapshot, nil
}

func (e *Engine) work(ctx context.Context, r *run) error {
	for {
		if ctx.Err() != nil {
			// Stop scheduling before the asynchronous Close lands.
			r.frontier.Close()
			return nil
		}
		rec, ok := r.frontier.Next()
		if !ok {
			return nil
		}
		metrics.IncActiveWorkers()
		outcome, err := e.process(ctx, r, rec)
		metrics.DecActiveWorkers()
		r.frontier.Complete(rec.URL, outcome)
		metrics.ObserveURL(rec.URL, outcomeLabel(outcome))
		if err != nil {
			return err
		}
	}
}

// process handles one in-flight URL and returns its terminal outcome.
func (e *Engine) process(ctx context.Context, r *run, rec crawler.URLRecord) (crawler.Outcome, error) {
	failed := crawler.Outcome{State: crawler.StateError}

	prior, found, err := e.lookup(ctx, r, rec.URL)
	if err != nil {
		return abandonedOr(ctx, failed, err)
	}
	if found && prior.CacheHit() && r.fresh(prior, e.clock.Now()) {
		outcome, err := e.fromCache(ctx, r, rec, prior)
		if err != nil {
			return abandonedOr(ctx, failed, err)
		}
		return outcome, nil
	}
	if ctx.Err() != nil {
		return failed, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, rec.URL); err != nil {
			return failed, nil
		}
	}
	claimed := make(map[string]bool)
	resp, fetchErr := e.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:            rec.URL,
		UserAgent:      r.cfg.UserAgent,
		Headers:        r.headers,
		Timeout:        e.fetchTimeout,
		FollowRedirect: r.hopCheck(rec, claimed),
	})
	if ctx.Err() != nil {
		// Canceled mid-fetch: whatever arrived is discarded.
		return failed, nil
	}

	var outcome crawler.Outcome
	switch {
	case fetchErr != nil:
		outcome, err = e.recordFailure(ctx, r, rec, prior, found, fetchErr)
	case resp.RedirectStopped:
		metrics.ObserveFetch(rec.URL, len(resp.Body), resp.Duration)
		outcome, err = e.recordRedirect(ctx, r, rec, resp)
	case resp.StatusCode >= http.StatusMultipleChoices:
		metrics.ObserveFetch(rec.URL, len(resp.Body), resp.Duration)
		outcome, err = e.recordFailure(ctx, r, rec, prior, found, &crawler.FetchError{
			URL:        rec.URL,
			Code:       strconv.Itoa(resp.StatusCode),
			StatusCode: resp.StatusCode,
		})
	default:
		metrics.ObserveFetch(rec.URL, len(resp.Body), resp.Duration)
		outcome, err = e.recordSuccess(ctx, r, rec, prior, found, resp, claimed)
	}
	if err != nil {
		return abandonedOr(ctx, failed, err)
	}
	return outcome, nil
}

// hopCheck lets the fetch of rec follow a redirect only to a URL that no
// other work of the job owns. Targets it takes over are added to claimed.
func (r *run) hopCheck(rec crawler.URLRecord, claimed map[string]bool) func(string) bool {
	return func(target string) bool {
		norm, err := crawler.NormalizeURL(target)
		if err != nil || norm == rec.URL || claimed[norm] {
			return true
		}
		if !r.frontier.Alias(norm, rec.Depth, rec.URL) {
			return false
		}
		claimed[norm] = true
		return true
	}
}

func (r *run) fresh(rec crawler.PageRecord, now time.Time) bool {
	if r.ttl <= 0 {
		return true
	}
	return now.Sub(rec.FetchedAt) <= r.ttl
}

// fromCache serves a URL from a stored record without touching the network.
func (e *Engine) fromCache(
	ctx context.Context,
	r *run,
	rec crawler.URLRecord,
	prior crawler.PageRecord,
) (crawler.Outcome, error) {
	if prior.Kind != crawler.KindRedirect {
		e.discover(ctx, r, rec, prior)
		return crawler.Outcome{State: crawler.StateCached}, nil
	}

	target := prior.RedirectTarget
	if target != "" && r.frontier.Alias(target, rec.Depth, rec.URL) {
		page, found, err := e.lookup(ctx, r, target)
		if err != nil {
			return crawler.Outcome{}, err
		}
		if found && page.CacheHit() && page.Kind != crawler.KindRedirect {
			e.discover(ctx, r, rec, page)
		}
	}
	return crawler.Outcome{State: crawler.StateCached, CachedRedirect: true}, nil
}

// recordFailure writes an error record unless a usable record already exists.
func (e *Engine) recordFailure(
	ctx context.Context,
	r *run,
	rec crawler.URLRecord,
	prior crawler.PageRecord,
	found bool,
	err error,
) (crawler.Outcome, error) {
	code := crawler.CodeConnection
	status := 0
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		code = fe.Code
		status = fe.StatusCode
	}
	r.logger.Debug("fetch failed",
		zap.String("url", rec.URL),
		zap.Int("depth", rec.Depth),
		zap.String("code", code),
		zap.Error(err),
	)
	outcome := crawler.Outcome{State: crawler.StateError}
	if found && prior.CacheHit() {
		// A stale but good record beats an error record.
		return outcome, nil
	}
	page := crawler.PageRecord{
		Job:          r.job,
		URL:          rec.URL,
		Kind:         crawler.KindError,
		Depth:        rec.Depth,
		ParentURL:    rec.ParentURL,
		StatusCode:   status,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
		FetchedAt:    e.clock.Now(),
	}
	if err := e.put(ctx, page); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// recordSuccess stores a 2xx response, following a redirect when there was one.
func (e *Engine) recordSuccess(
	ctx context.Context,
	r *run,
	rec crawler.URLRecord,
	prior crawler.PageRecord,
	found bool,
	resp crawler.FetchResponse,
	claimed map[string]bool,
) (crawler.Outcome, error) {
	final := rec.URL
	if resp.Redirected() {
		if norm, err := crawler.NormalizeURL(resp.URL); err == nil {
			final = norm
		}
	}
	if final == rec.URL {
		changed, err := e.storeContent(ctx, r, rec, rec.URL, prior, found, resp)
		if err != nil {
			return crawler.Outcome{}, err
		}
		return crawler.Outcome{State: crawler.StateFetched, NewOrUpdated: changed}, nil
	}

	if err := e.putRedirect(ctx, r, rec, resp.StatusCode, final); err != nil {
		return crawler.Outcome{}, err
	}
	outcome := crawler.Outcome{State: crawler.StateRedirected}
	if !claimed[final] && !r.frontier.Alias(final, rec.Depth, rec.URL) {
		// The target belongs to another URL of this job.
		return outcome, nil
	}
	finalPrior, finalFound, err := e.lookup(ctx, r, final)
	if err != nil {
		return crawler.Outcome{}, err
	}
	changed, err := e.storeContent(ctx, r, rec, final, finalPrior, finalFound, resp)
	if err != nil {
		return crawler.Outcome{}, err
	}
	outcome.NewOrUpdated = changed
	return outcome, nil
}

// recordRedirect stores a redirect whose target another URL of the job owns.
// The target is not fetched again.
func (e *Engine) recordRedirect(
	ctx context.Context,
	r *run,
	rec crawler.URLRecord,
	resp crawler.FetchResponse,
) (crawler.Outcome, error) {
	target := resp.URL
	if norm, err := crawler.NormalizeURL(target); err == nil {
		target = norm
	}
	r.logger.Debug("redirect to known url",
		zap.String("url", rec.URL),
		zap.String("target", target),
	)
	if err := e.putRedirect(ctx, r, rec, resp.StatusCode, target); err != nil {
		return crawler.Outcome{}, err
	}
	return crawler.Outcome{State: crawler.StateRedirected}, nil
}

func (e *Engine) putRedirect(ctx context.Context, r *run, rec crawler.URLRecord, status int, target string) error {
	return e.put(ctx, crawler.PageRecord{
		Job:            r.job,
		URL:            rec.URL,
		Kind:           crawler.KindRedirect,
		Depth:          rec.Depth,
		ParentURL:      rec.ParentURL,
		StatusCode:     status,
		RedirectTarget: target,
		FetchedAt:      e.clock.Now(),
	})
}

// storeContent writes a content or sitemap record at url and runs discovery.
// It reports whether the content is new or differs from prior.
func (e *Engine) storeContent(
	ctx context.Context,
	r *run,
	rec crawler.URLRecord,
	url string,
	prior crawler.PageRecord,
	found bool,
	resp crawler.FetchResponse,
) (bool, error) {
	hash, err := e.hasher.Hash(resp.Body)
	if err != nil {
		return false, fmt.Errorf("hash body: %w", err)
	}
	contentType := resp.Headers.Get("Content-Type")
	page := crawler.PageRecord{
		Job:          r.job,
		URL:          url,
		Kind:         crawler.KindContent,
		Depth:        rec.Depth,
		ParentURL:    rec.ParentURL,
		StatusCode:   resp.StatusCode,
		ContentType:  contentType,
		ContentHash:  hash,
		LastModified: resp.Headers.Get("Last-Modified"),
		ETag:         resp.Headers.Get("ETag"),
		Content:      resp.Body,
		FetchedAt:    e.clock.Now(),
	}
	if rec.Sitemap {
		page.Kind = crawler.KindSitemap
	}
	if page.Kind == crawler.KindContent && e.blobs != nil &&
		crawler.ClassifyContentType(contentType) == crawler.ContentBinary {
		uri, err := e.blobs.PutObject(ctx, blobPath(r.job, url, contentType), contentType, bytes.NewReader(resp.Body))
		if err != nil {
			if ctx.Err() != nil {
				return false, errAbandoned
			}
			return false, &crawler.StoreError{Op: "put blob", Err: err}
		}
		page.BlobURI = uri
		page.Content = nil
	}
	if err := e.put(ctx, page); err != nil {
		return false, err
	}

	e.discover(ctx, r, rec, crawler.PageRecord{
		URL:         url,
		Kind:        page.Kind,
		ContentType: contentType,
		Content:     resp.Body,
	})
	return changed(prior, found, page), nil
}

// changed compares a fresh record with whatever the store held before.
func changed(prior crawler.PageRecord, found bool, page crawler.PageRecord) bool {
	if !found || (prior.Kind != crawler.KindContent && prior.Kind != crawler.KindSitemap) {
		return true
	}
	if prior.ContentHash != page.ContentHash {
		return true
	}
	return prior.LastModified != "" && page.LastModified != "" && prior.LastModified != page.LastModified
}

// discover feeds the links or sitemap entries of page back to the Frontier.
func (e *Engine) discover(ctx context.Context, r *run, rec crawler.URLRecord, page crawler.PageRecord) {
	if ctx.Err() != nil {
		return
	}
	body := page.Content
	if rec.Sitemap {
		locs, err := sitemapLocations(body)
		if err != nil {
			r.logger.Warn("sitemap parse failed", zap.String("url", page.URL), zap.Error(err))
			return
		}
		added := 0
		for _, loc := range locs {
			if r.frontier.DiscoverSitemapEntry(loc, page.URL) {
				added++
			}
		}
		r.logger.Debug("sitemap read",
			zap.String("url", page.URL),
			zap.Int("entries", len(locs)),
			zap.Int("scheduled", added),
		)
		return
	}
	if r.cfg.IsSitemap || crawler.ClassifyContentType(page.ContentType) != crawler.ContentHTML {
		return
	}
	links, err := extractLinks(page.URL, body)
	if err != nil {
		r.logger.Debug("link extraction failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	for _, link := range links {
		r.frontier.Discover(link, rec.Depth+1, page.URL)
	}
}

func (e *Engine) lookup(ctx context.Context, r *run, url string) (crawler.PageRecord, bool, error) {
	page, err := e.store.GetPage(ctx, r.job, url)
	switch {
	case err == nil:
		return page, true, nil
	case errors.Is(err, crawler.ErrNotFound):
		return crawler.PageRecord{}, false, nil
	case ctx.Err() != nil:
		return crawler.PageRecord{}, false, errAbandoned
	default:
		return crawler.PageRecord{}, false, &crawler.StoreError{Op: "get page", Err: err}
	}
}

func (e *Engine) put(ctx context.Context, page crawler.PageRecord) error {
	if err := e.store.PutPage(ctx, page); err != nil {
		if ctx.Err() != nil {
			return errAbandoned
		}
		return &crawler.StoreError{Op: "put page", Err: err}
	}
	return nil
}

// abandonedOr turns errors caused by cancellation into an error outcome.
func abandonedOr(ctx context.Context, failed crawler.Outcome, err error) (crawler.Outcome, error) {
	if errors.Is(err, errAbandoned) || ctx.Err() != nil {
		return failed, nil
	}
	return failed, err
}

func outcomeLabel(o crawler.Outcome) string {
	if o.CachedRedirect {
		return "cached_redirect"
	}
	return string(o.State)
}

func toHeader(in map[string]string) http.Header {
	if len(in) == 0 {
		return nil
	}
	h := make(http.Header, len(in))
	for k, v := range in {
		h.Set(k, v)
	}
	return h
}

// blobPath names the object holding a binary body: job/<record id><ext>.
func blobPath(job, url, contentType string) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(crawler.MediaType(contentType)); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return job + "/" + uuid.RecordID(url) + ext
}
