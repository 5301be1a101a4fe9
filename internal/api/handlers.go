package api

import (
	"errors"
	"io"
	"maps"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// crawlStatus is the GET /crawl/{job_id} response.
type crawlStatus struct {
	Job   crawler.Job    `json:"job"`
	Stats *crawler.Stats `json:"stats,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	cfg, err := crawler.ParseCrawlConfig(body, s.defaults())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), cfg)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"name":   job.Name,
		"status": string(job.Status),
	})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.Active(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []crawler.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := crawlStatus{Job: job}
	st, err := s.results.GetStats(r.Context(), job.Name)
	switch {
	case err == nil:
		resp.Stats = &st
	case !errors.Is(err, crawler.ErrNotFound):
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.results.GetStats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) browse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	rows, err := intParam(q.Get("rows"), 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "rows must be an integer")
		return
	}
	full := false
	if raw := q.Get("full_content"); raw != "" {
		if full, err = strconv.ParseBool(raw); err != nil {
			s.writeError(w, http.StatusBadRequest, "full_content must be a boolean")
			return
		}
	}
	result, err := s.results.Browse(r.Context(), chi.URLParam(r, "name"), page, rows, full)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) defaults() crawler.CrawlConfig {
	if s.opts.Defaults.MaxDepth == 0 {
		return crawler.DefaultCrawlConfig()
	}
	cfg := s.opts.Defaults
	cfg.Name = ""
	cfg.StartingURLs = nil
	cfg.ExtractionRules = nil
	cfg.Headers = maps.Clone(cfg.Headers)
	return cfg
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}
