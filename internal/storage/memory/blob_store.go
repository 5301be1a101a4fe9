package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const memoryScheme = "memory://"

// BlobStore stores binary artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	return memoryScheme + path, nil
}

// GetObject returns the bytes stored under a memory:// URI.
func (s *BlobStore) GetObject(_ context.Context, uri string) ([]byte, error) {
	path, ok := strings.CutPrefix(uri, memoryScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported blob uri %q", uri)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, found := s.data[path]
	if !found {
		return nil, fmt.Errorf("blob %s: %w", uri, crawler.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}
