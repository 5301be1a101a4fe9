// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// URLState is the lifecycle state of one URL within a job.
type URLState string

// URL states. A URL only ever moves forward through these.
const (
	StatePending    URLState = "pending"
	StateInFlight   URLState = "in_flight"
	StateFetched    URLState = "fetched"
	StateCached     URLState = "cached"
	StateRedirected URLState = "redirected"
	StateError      URLState = "error"
)

// Terminal reports whether the state ends a URL's processing.
func (s URLState) Terminal() bool {
	switch s {
	case StateFetched, StateCached, StateRedirected, StateError:
		return true
	default:
		return false
	}
}

// URLRecord is the Frontier's view of one distinct normalized URL.
type URLRecord struct {
	URL       string   `json:"url"`
	Depth     int      `json:"depth"`
	ParentURL string   `json:"parent_url,omitempty"`
	State     URLState `json:"state"`
	// Sitemap marks a starting URL fetched as a sitemap document.
	Sitemap bool `json:"sitemap,omitempty"`
	// Alias is set for redirect targets recorded on behalf of another URL.
	Alias bool `json:"alias,omitempty"`
}

// Outcome is the result of processing one in-flight URL.
type Outcome struct {
	State          URLState
	CachedRedirect bool
	NewOrUpdated   bool
}

// RecordKind distinguishes the persisted page records.
type RecordKind string

// Record kinds stored in the Dedup Store.
const (
	KindContent  RecordKind = "content"
	KindSitemap  RecordKind = "sitemap"
	KindRedirect RecordKind = "redirect"
	KindError    RecordKind = "error"
)

// PageRecord is the Dedup Store value keyed by (Job, URL).
type PageRecord struct {
	Job            string     `json:"job"`
	URL            string     `json:"url"`
	Kind           RecordKind `json:"kind"`
	Depth          int        `json:"depth"`
	ParentURL      string     `json:"parent_url,omitempty"`
	StatusCode     int        `json:"status_code,omitempty"`
	ContentType    string     `json:"content_type,omitempty"`
	ContentHash    string     `json:"content_hash,omitempty"`
	LastModified   string     `json:"last_modified,omitempty"`
	ETag           string     `json:"etag,omitempty"`
	RedirectTarget string     `json:"redirect_target,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Content        []byte     `json:"-"`
	BlobURI        string     `json:"blob_uri,omitempty"`
	FetchedAt      time.Time  `json:"fetched_at"`
}

// CacheHit reports whether the record can satisfy a later fetch of its URL.
func (r PageRecord) CacheHit() bool {
	switch r.Kind {
	case KindContent, KindSitemap, KindRedirect:
		return true
	default:
		return false
	}
}

// Stats are the counters both phases report for a job.
type Stats struct {
	Total           int64      `json:"total"`
	Cached          int64      `json:"cached"`
	CachedRedirects int64      `json:"cached_redirects"`
	Fetched         int64      `json:"fetched"`
	Redirects       int64      `json:"redirects"`
	Errors          int64      `json:"errors"`
	NewOrUpdated    int64      `json:"new_or_updated"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Duration        string     `json:"duration"`
}

// Finished reports whether phase 1 recorded an end time.
func (s Stats) Finished() bool {
	return s.EndTime != nil
}

// ExtractedRecord is the output of phase 2 for one URL.
type ExtractedRecord struct {
	ID          string            `json:"id"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content_type"`
	Fields      map[string]string `json:"fields"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RulesHash   string            `json:"rules_hash,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
	// Text holds the document text returned for binary content.
	Text string `json:"-"`
	// Content is populated by browse when full content is requested.
	Content string `json:"content,omitempty"`
}

// BrowsePage is one page of extracted records.
type BrowsePage struct {
	Name       string            `json:"name"`
	Items      []ExtractedRecord `json:"items"`
	Page       int               `json:"page"`
	Rows       int               `json:"rows"`
	TotalPages int               `json:"total_pages"`
	NumRecords int               `json:"num_records"`
}

// FetchRequest describes one network fetch.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
	Timeout   time.Duration
	// FollowRedirect is asked before every redirect hop. Returning false
	// stops at the redirect response; nil follows every hop.
	FollowRedirect func(target string) bool
}

// FetchResponse is the raw result of a fetch after redirects.
type FetchResponse struct {
	RequestedURL string
	// URL is the final URL, or the refused hop target when RedirectStopped.
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// RedirectStopped is set when FollowRedirect refused a hop. StatusCode
	// and Body are those of the redirect response.
	RedirectStopped bool
}

// Redirected reports whether the final URL differs from the requested one.
func (r FetchResponse) Redirected() bool {
	return r.RequestedURL != "" && r.URL != "" && r.RequestedURL != r.URL
}

// Document is the text returned by the external document extractor.
type Document struct {
	Text  string
	Title string
}

// Article holds the fields an article parser recognized on an HTML page.
// Empty fields were not found.
type Article struct {
	Headline         string
	Body             string
	Description      string
	Image            string
	DatePublishedRaw string
	DateModifiedRaw  string
}

// JobStatus represents the lifecycle state of a submitted job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusFetching   JobStatus = "fetching"
	JobStatusExtracting JobStatus = "extracting"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether the job has stopped.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Phase names one of the two units of work of a job.
type Phase string

// Job phases.
const (
	PhaseFetch   Phase = "fetch"
	PhaseExtract Phase = "extract"
)

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    JobStatus   `json:"status"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
	Config    CrawlConfig `json:"config"`
}

// QueueItem wraps one phase of a job ready to run.
type QueueItem struct {
	JobID     string
	Name      string
	Phase     Phase
	Config    CrawlConfig
	Attempt   int
	Submitted int64
}

// PhaseEvent is published when a phase finishes.
type PhaseEvent struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	Phase    Phase     `json:"phase"`
	Status   JobStatus `json:"status"`
	Stats    Stats     `json:"stats"`
	Records  int       `json:"records,omitempty"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished_at"`
}
