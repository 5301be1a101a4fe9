package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a key is absent.
	ErrNotFound = errors.New("not found")
	// ErrJobRunning is returned when a phase is already running for a job name.
	ErrJobRunning = errors.New("job already running")
	// ErrPhaseIncomplete is returned when phase 2 is requested before phase 1 finished.
	ErrPhaseIncomplete = errors.New("fetch phase has not completed")
	// ErrInvalidConfig wraps CrawlConfig validation failures.
	ErrInvalidConfig = errors.New("invalid crawl config")
)

// Fetch error codes recorded on error pages.
const (
	CodeTimeout          = "timeout"
	CodeConnection       = "connection_error"
	CodeTooManyRedirects = "too_many_redirects"
	CodeCanceled         = "canceled"
)

// FetchError is a per-URL network or HTTP failure. It never aborts a job.
type FetchError struct {
	URL        string
	Code       string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Code, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Code)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StoreError is a Dedup Store failure. It aborts the fetch phase.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// RuleError reports a rule that could not produce a value.
type RuleError struct {
	Field  string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.Field, e.Reason)
}

// ExtractorError reports a failure of an external extraction service.
type ExtractorError struct {
	URL string
	Err error
}

func (e *ExtractorError) Error() string {
	return fmt.Sprintf("external extractor %s: %v", e.URL, e.Err)
}

func (e *ExtractorError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
