// Package sqlite provides the on-disk Dedup/Content Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	job TEXT NOT NULL,
	url TEXT NOT NULL,
	kind TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	parent_url TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	etag TEXT NOT NULL DEFAULT '',
	redirect_target TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	content BLOB,
	blob_uri TEXT NOT NULL DEFAULT '',
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (job, url)
);

CREATE INDEX IF NOT EXISTS idx_pages_job_kind ON pages(job, kind);

CREATE TABLE IF NOT EXISTS job_stats (
	job TEXT PRIMARY KEY,
	total INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	cached_redirects INTEGER NOT NULL,
	fetched INTEGER NOT NULL,
	redirects INTEGER NOT NULL,
	errors INTEGER NOT NULL,
	new_or_updated INTEGER NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	duration TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS extractions (
	job TEXT NOT NULL,
	url TEXT NOT NULL,
	id TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL,
	metadata TEXT NOT NULL,
	rules_hash TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	extracted_at INTEGER NOT NULL,
	PRIMARY KEY (job, url)
);
`

// Options configures the SQLite store.
type Options struct {
	// Path is the database file. Parent directories are created.
	Path string
	// EnableWAL turns on write-ahead logging so readers do not block the writer.
	EnableWAL bool
}

// Store implements crawler.Store on a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at opts.Path and applies the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Path+"?mode=rwc&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if opts.EnableWAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// GetPage returns the record stored for (job, url).
func (s *Store) GetPage(ctx context.Context, job, url string) (crawler.PageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT kind, depth, parent_url, status_code, content_type, content_hash, last_modified, etag,
       redirect_target, error_code, error_message, content, blob_uri, fetched_at
FROM pages WHERE job = ? AND url = ?`, job, url)

	rec := crawler.PageRecord{Job: job, URL: url}
	var (
		kind      string
		fetchedAt int64
	)
	err := row.Scan(
		&kind, &rec.Depth, &rec.ParentURL, &rec.StatusCode, &rec.ContentType, &rec.ContentHash,
		&rec.LastModified, &rec.ETag, &rec.RedirectTarget, &rec.ErrorCode, &rec.ErrorMessage,
		&rec.Content, &rec.BlobURI, &fetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.PageRecord{}, fmt.Errorf("page %s: %w", url, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.PageRecord{}, fmt.Errorf("select page: %w", err)
	}
	rec.Kind = crawler.RecordKind(kind)
	rec.FetchedAt = time.Unix(0, fetchedAt).UTC()
	return rec, nil
}

// PutPage inserts or replaces a record.
func (s *Store) PutPage(ctx context.Context, rec crawler.PageRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pages (job, url, kind, depth, parent_url, status_code, content_type, content_hash,
                   last_modified, etag, redirect_target, error_code, error_message, content, blob_uri, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job, url) DO UPDATE SET
	kind = excluded.kind,
	depth = excluded.depth,
	parent_url = excluded.parent_url,
	status_code = excluded.status_code,
	content_type = excluded.content_type,
	content_hash = excluded.content_hash,
	last_modified = excluded.last_modified,
	etag = excluded.etag,
	redirect_target = excluded.redirect_target,
	error_code = excluded.error_code,
	error_message = excluded.error_message,
	content = excluded.content,
	blob_uri = excluded.blob_uri,
	fetched_at = excluded.fetched_at`,
		rec.Job, rec.URL, string(rec.Kind), rec.Depth, rec.ParentURL, rec.StatusCode, rec.ContentType,
		rec.ContentHash, rec.LastModified, rec.ETag, rec.RedirectTarget, rec.ErrorCode, rec.ErrorMessage,
		rec.Content, rec.BlobURI, rec.FetchedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// ListPageURLs returns the URLs of a job's records of the given kinds, sorted.
func (s *Store) ListPageURLs(ctx context.Context, job string, kinds ...crawler.RecordKind) ([]string, error) {
	query := `SELECT url FROM pages WHERE job = ?`
	args := []any{job}
	if len(kinds) > 0 {
		marks := make([]string, len(kinds))
		for i, k := range kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND kind IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY url`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select page urls: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan page url: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page urls: %w", err)
	}
	return out, nil
}

// SaveStats stores the stats of a job.
func (s *Store) SaveStats(ctx context.Context, job string, st crawler.Stats) error {
	var end sql.NullInt64
	if st.EndTime != nil {
		end = sql.NullInt64{Int64: st.EndTime.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_stats (job, total, cached, cached_redirects, fetched, redirects, errors, new_or_updated,
                       start_time, end_time, duration)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job) DO UPDATE SET
	total = excluded.total,
	cached = excluded.cached,
	cached_redirects = excluded.cached_redirects,
	fetched = excluded.fetched,
	redirects = excluded.redirects,
	errors = excluded.errors,
	new_or_updated = excluded.new_or_updated,
	start_time = excluded.start_time,
	end_time = excluded.end_time,
	duration = excluded.duration`,
		job, st.Total, st.Cached, st.CachedRedirects, st.Fetched, st.Redirects, st.Errors, st.NewOrUpdated,
		st.StartTime.UnixNano(), end, st.Duration,
	)
	if err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	return nil
}

// GetStats loads the stats of a job.
func (s *Store) GetStats(ctx context.Context, job string) (crawler.Stats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT total, cached, cached_redirects, fetched, redirects, errors, new_or_updated, start_time, end_time, duration
FROM job_stats WHERE job = ?`, job)

	var (
		st    crawler.Stats
		start int64
		end   sql.NullInt64
	)
	err := row.Scan(&st.Total, &st.Cached, &st.CachedRedirects, &st.Fetched, &st.Redirects, &st.Errors,
		&st.NewOrUpdated, &start, &end, &st.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Stats{}, fmt.Errorf("stats %s: %w", job, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("select stats: %w", err)
	}
	st.StartTime = time.Unix(0, start).UTC()
	if end.Valid {
		t := time.Unix(0, end.Int64).UTC()
		st.EndTime = &t
	}
	return st, nil
}

// SaveExtraction stores one extracted record.
func (s *Store) SaveExtraction(ctx context.Context, job string, rec crawler.ExtractedRecord) error {
	fields, metadata, err := marshalMaps(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO extractions (job, url, id, content_type, fields, metadata, rules_hash, text, extracted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job, url) DO UPDATE SET
	id = excluded.id,
	content_type = excluded.content_type,
	fields = excluded.fields,
	metadata = excluded.metadata,
	rules_hash = excluded.rules_hash,
	text = excluded.text,
	extracted_at = excluded.extracted_at`,
		job, rec.URI, rec.ID, rec.ContentType, fields, metadata, rec.RulesHash, rec.Text, rec.ExtractedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}

// GetExtraction loads the extracted record of one URL.
func (s *Store) GetExtraction(ctx context.Context, job, url string) (crawler.ExtractedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT url, id, content_type, fields, metadata, rules_hash, text, extracted_at
FROM extractions WHERE job = ? AND url = ?`, job, url)
	rec, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ExtractedRecord{}, fmt.Errorf("extraction %s: %w", url, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ExtractedRecord{}, err
	}
	return rec, nil
}

// ListExtractions returns a page of extracted records ordered by URI and the total count.
func (s *Store) ListExtractions(
	ctx context.Context,
	job string,
	offset, limit int,
) ([]crawler.ExtractedRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extractions WHERE job = ?`, job).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count extractions: %w", err)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT url, id, content_type, fields, metadata, rules_hash, text, extracted_at
FROM extractions WHERE job = ? ORDER BY url LIMIT ? OFFSET ?`, job, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("select extractions: %w", err)
	}
	defer rows.Close()

	out := []crawler.ExtractedRecord{}
	for rows.Next() {
		rec, err := scanExtraction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate extractions: %w", err)
	}
	return out, total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExtraction(row scanner) (crawler.ExtractedRecord, error) {
	var (
		rec       crawler.ExtractedRecord
		fields    string
		metadata  string
		extracted int64
	)
	if err := row.Scan(&rec.URI, &rec.ID, &rec.ContentType, &fields, &metadata, &rec.RulesHash,
		&rec.Text, &extracted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan extraction: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return rec, fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
		return rec, fmt.Errorf("decode metadata: %w", err)
	}
	rec.ExtractedAt = time.Unix(0, extracted).UTC()
	return rec, nil
}

func marshalMaps(rec crawler.ExtractedRecord) (string, string, error) {
	fields, err := json.Marshal(nonNil(rec.Fields))
	if err != nil {
		return "", "", fmt.Errorf("encode fields: %w", err)
	}
	metadata, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(fields), string(metadata), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
