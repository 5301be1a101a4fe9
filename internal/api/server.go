package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Jobs manages queued crawl jobs.
type Jobs interface {
	Submit(ctx context.Context, cfg crawler.CrawlConfig) (crawler.Job, error)
	Cancel(ctx context.Context, jobID string) (crawler.Job, error)
	Job(ctx context.Context, jobID string) (crawler.Job, error)
	Active(ctx context.Context) ([]crawler.Job, error)
}

// Results reads crawl stats and extracted records by job name.
type Results interface {
	GetStats(ctx context.Context, job string) (crawler.Stats, error)
	Browse(ctx context.Context, job string, page, rows int, fullContent bool) (crawler.BrowsePage, error)
}

// Options configures a Server.
type Options struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
	// Defaults is the base every submitted CrawlConfig is decoded onto.
	Defaults crawler.CrawlConfig
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the job dispatcher and crawl results.
type Server struct {
	router  chi.Router
	jobs    Jobs
	results Results
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs Jobs, results Results, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		jobs:    jobs,
		results: results,
		opts:    opts,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))
	if opts.Auth.Enabled {
		r.Use(apiKeyMiddleware(opts.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/crawl", func(r chi.Router) {
		r.Post("/", s.submitCrawl)
		r.Get("/", s.listCrawls)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.getCrawl)
			r.Delete("/", s.cancelCrawl)
		})
	})
	r.Get("/stats/{name}", s.getStats)
	r.Get("/browse/{name}", s.browse)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, crawler.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, crawler.ErrJobRunning), errors.Is(err, crawler.ErrPhaseIncomplete):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeError(w, status, err.Error())
}
