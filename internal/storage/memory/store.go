// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type pageKey struct {
	job string
	url string
}

// Store is an in-memory Dedup/Content Store.
type Store struct {
	mu          sync.RWMutex
	pages       map[pageKey]crawler.PageRecord
	stats       map[string]crawler.Stats
	extractions map[string]map[string]crawler.ExtractedRecord
	closed      bool
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		pages:       make(map[pageKey]crawler.PageRecord),
		stats:       make(map[string]crawler.Stats),
		extractions: make(map[string]map[string]crawler.ExtractedRecord),
	}
}

// GetPage returns the record stored for (job, url).
func (s *Store) GetPage(_ context.Context, job, url string) (crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return crawler.PageRecord{}, errClosed
	}
	rec, ok := s.pages[pageKey{job: job, url: url}]
	if !ok {
		return crawler.PageRecord{}, fmt.Errorf("page %s: %w", url, crawler.ErrNotFound)
	}
	rec.Content = append([]byte(nil), rec.Content...)
	return rec, nil
}

// PutPage inserts or replaces a record.
func (s *Store) PutPage(_ context.Context, record crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	record.Content = append([]byte(nil), record.Content...)
	s.pages[pageKey{job: record.Job, url: record.URL}] = record
	return nil
}

// ListPageURLs returns the URLs of a job's records of the given kinds, sorted.
func (s *Store) ListPageURLs(_ context.Context, job string, kinds ...crawler.RecordKind) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var out []string
	for key, rec := range s.pages {
		if key.job != job || !kindMatches(rec.Kind, kinds) {
			continue
		}
		out = append(out, key.url)
	}
	sort.Strings(out)
	return out, nil
}

// SaveStats stores the stats of a job.
func (s *Store) SaveStats(_ context.Context, job string, st crawler.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.stats[job] = st
	return nil
}

// GetStats loads the stats of a job.
func (s *Store) GetStats(_ context.Context, job string) (crawler.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return crawler.Stats{}, errClosed
	}
	st, ok := s.stats[job]
	if !ok {
		return crawler.Stats{}, fmt.Errorf("stats %s: %w", job, crawler.ErrNotFound)
	}
	return st, nil
}

// SaveExtraction stores one extracted record.
func (s *Store) SaveExtraction(_ context.Context, job string, record crawler.ExtractedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	byURL, ok := s.extractions[job]
	if !ok {
		byURL = make(map[string]crawler.ExtractedRecord)
		s.extractions[job] = byURL
	}
	byURL[record.URI] = cloneExtraction(record)
	return nil
}

// GetExtraction loads the extracted record of one URL.
func (s *Store) GetExtraction(_ context.Context, job, url string) (crawler.ExtractedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return crawler.ExtractedRecord{}, errClosed
	}
	rec, ok := s.extractions[job][url]
	if !ok {
		return crawler.ExtractedRecord{}, fmt.Errorf("extraction %s: %w", url, crawler.ErrNotFound)
	}
	return cloneExtraction(rec), nil
}

// ListExtractions returns a page of extracted records ordered by URI and the total count.
func (s *Store) ListExtractions(_ context.Context, job string, offset, limit int) ([]crawler.ExtractedRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, errClosed
	}
	byURL := s.extractions[job]
	uris := make([]string, 0, len(byURL))
	for uri := range byURL {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	total := len(uris)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []crawler.ExtractedRecord{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]crawler.ExtractedRecord, 0, end-offset)
	for _, uri := range uris[offset:end] {
		out = append(out, cloneExtraction(byURL[uri]))
	}
	return out, total, nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var errClosed = errors.New("memory store is closed")

func kindMatches(kind crawler.RecordKind, kinds []crawler.RecordKind) bool {
	return len(kinds) == 0 || slices.Contains(kinds, kind)
}

func cloneExtraction(rec crawler.ExtractedRecord) crawler.ExtractedRecord {
	out := rec
	out.Fields = cloneMap(rec.Fields)
	out.Metadata = cloneMap(rec.Metadata)
	return out
}

func cloneMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
