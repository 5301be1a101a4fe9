// Package service exposes the crawl engine's four entry points: the fetch
// phase, the extraction phase, stats and browse. It serializes phases per
// job name and serves live stats while a fetch phase runs.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/engine"
	"github.com/JakeFAU/sitecrawler/internal/extract"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/stats"
)

// Browse page sizes. Larger requests are clamped to MaxRows.
const (
	DefaultRows = 20
	MaxRows     = 1000
)

// Options wires the service.
type Options struct {
	Store   crawler.Store
	Fetch   *engine.Engine
	Extract *extract.Engine
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Service is safe for concurrent use.
type Service struct {
	store   crawler.Store
	fetch   *engine.Engine
	extract *extract.Engine
	clock   crawler.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]*activePhase
}

// activePhase is the phase currently holding a job name.
type activePhase struct {
	phase crawler.Phase
	stats *stats.Aggregator
}

// New validates opts and builds a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("store is required")
	case opts.Fetch == nil:
		return nil, fmt.Errorf("fetch engine is required")
	case opts.Extract == nil:
		return nil, fmt.Errorf("extraction engine is required")
	case opts.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:   opts.Store,
		fetch:   opts.Fetch,
		extract: opts.Extract,
		clock:   opts.Clock,
		logger:  opts.Logger.Named("service"),
		running: make(map[string]*activePhase),
	}, nil
}

// RunFetchPhase crawls cfg under job and returns its Stats. Individual URL
// failures are reported in the Stats; configuration and store failures
// are returned as errors, with partial Stats when the crawl had started.
func (s *Service) RunFetchPhase(ctx context.Context, job string, cfg crawler.CrawlConfig) (crawler.Stats, error) {
	if job == "" {
		return crawler.Stats{}, fmt.Errorf("%w: job name is required", crawler.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return crawler.Stats{}, err
	}
	agg := stats.New(s.clock.Now())
	release, err := s.acquire(job, crawler.PhaseFetch, agg)
	if err != nil {
		return crawler.Stats{}, err
	}
	defer release()

	start := time.Now()
	st, err := s.fetch.Run(ctx, job, cfg, agg)
	metrics.ObservePhase(string(crawler.PhaseFetch), phaseStatus(err), time.Since(start))
	if err != nil {
		return st, err
	}
	s.logger.Info("fetch phase complete",
		zap.String("job", job),
		zap.Int64("total", st.Total),
		zap.String("duration", stats.Describe(st)),
	)
	return st, nil
}

// RunExtractionPhase evaluates rules over the content job fetched.
func (s *Service) RunExtractionPhase(
	ctx context.Context,
	job string,
	rules crawler.RuleSet,
) ([]crawler.ExtractedRecord, error) {
	release, err := s.acquire(job, crawler.PhaseExtract, nil)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	records, err := s.extract.Run(ctx, job, rules)
	metrics.ObservePhase(string(crawler.PhaseExtract), phaseStatus(err), time.Since(start))
	return records, err
}

// GetStats returns live counters while a fetch phase for job runs in this
// process and the persisted Stats otherwise.
func (s *Service) GetStats(ctx context.Context, job string) (crawler.Stats, error) {
	s.mu.Lock()
	active, ok := s.running[job]
	s.mu.Unlock()
	if ok && active.stats != nil {
		return active.stats.Snapshot(), nil
	}
	st, err := s.store.GetStats(ctx, job)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("stats for %q: %w", job, err)
	}
	return st, nil
}

// Browse returns one 0-based page of extracted records. rows <= 0 selects
// DefaultRows. With fullContent each item carries its text content.
func (s *Service) Browse(ctx context.Context, job string, page, rows int, fullContent bool) (crawler.BrowsePage, error) {
	if rows <= 0 {
		rows = DefaultRows
	}
	rows = min(rows, MaxRows)
	page = max(page, 0)
	if page > math.MaxInt/rows {
		return crawler.BrowsePage{}, fmt.Errorf("%w: page %d out of range", crawler.ErrInvalidConfig, page)
	}
	items, total, err := s.store.ListExtractions(ctx, job, page*rows, rows)
	if err != nil {
		return crawler.BrowsePage{}, fmt.Errorf("browse %q: %w", job, err)
	}
	if fullContent {
		for i := range items {
			if err := s.fillContent(ctx, job, &items[i]); err != nil {
				return crawler.BrowsePage{}, err
			}
		}
	}
	if items == nil {
		items = []crawler.ExtractedRecord{}
	}
	return crawler.BrowsePage{
		Name:       job,
		Items:      items,
		Page:       page,
		Rows:       rows,
		TotalPages: pageCount(total, rows),
		NumRecords: total,
	}, nil
}

// Running reports whether a phase currently holds job.
func (s *Service) Running(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[job]
	return ok
}

// fillContent sets Content from the converted text of binary records or
// from the stored body of text records.
func (s *Service) fillContent(ctx context.Context, job string, rec *crawler.ExtractedRecord) error {
	if rec.Text != "" {
		rec.Content = rec.Text
		return nil
	}
	if crawler.ClassifyContentType(rec.ContentType) == crawler.ContentBinary {
		return nil
	}
	pg, err := s.store.GetPage(ctx, job, rec.URI)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load content %s: %w", rec.URI, err)
	}
	rec.Content = string(pg.Content)
	return nil
}

func (s *Service) acquire(job string, phase crawler.Phase, agg *stats.Aggregator) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active, ok := s.running[job]; ok {
		return nil, fmt.Errorf("%w: %s phase of %q", crawler.ErrJobRunning, active.phase, job)
	}
	s.running[job] = &activePhase{phase: phase, stats: agg}
	return func() {
		s.mu.Lock()
		delete(s.running, job)
		s.mu.Unlock()
	}, nil
}

func pageCount(total, rows int) int {
	n := total / rows
	if total%rows != 0 {
		n++
	}
	return n
}

func phaseStatus(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failed"
	}
}
