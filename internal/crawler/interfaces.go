package crawler

import (
	"context"
	"io"
	"time"
)

// PageStore persists fetch results keyed by (job, normalized URL).
type PageStore interface {
	GetPage(ctx context.Context, job, url string) (PageRecord, error)
	PutPage(ctx context.Context, record PageRecord) error
	ListPageURLs(ctx context.Context, job string, kinds ...RecordKind) ([]string, error)
}

// StatsStore persists the Stats of a job's fetch phase.
type StatsStore interface {
	SaveStats(ctx context.Context, job string, stats Stats) error
	GetStats(ctx context.Context, job string) (Stats, error)
}

// ExtractionStore persists phase 2 output.
type ExtractionStore interface {
	SaveExtraction(ctx context.Context, job string, record ExtractedRecord) error
	GetExtraction(ctx context.Context, job, url string) (ExtractedRecord, error)
	ListExtractions(ctx context.Context, job string, offset, limit int) ([]ExtractedRecord, int, error)
}

// Store is the Dedup/Content Store shared by both phases.
type Store interface {
	PageStore
	StatsStore
	ExtractionStore
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// JobStore persists job metadata for the task layer.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
}

// Publisher pushes phase events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// DocumentExtractor turns binary documents into text.
type DocumentExtractor interface {
	Extract(ctx context.Context, filename, contentType string, data []byte) (Document, error)
}

// ArticleParser recognizes article structure on HTML pages.
type ArticleParser interface {
	ParseArticle(ctx context.Context, pageURL string) (Article, error)
}

// Queue provides enqueue/dequeue semantics for job phases.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Limiter delays fetches for politeness.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
