// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTablePrefix = "sitecrawler_"

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.Store and crawler.JobStore on Postgres.
type Store struct {
	pool        pool
	pages       string
	stats       string
	extractions string
	jobs        string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if !validTablePrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Store{
		pool:        p,
		pages:       prefix + "pages",
		stats:       prefix + "stats",
		extractions: prefix + "extractions",
		jobs:        prefix + "jobs",
	}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
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
	content BYTEA,
	blob_uri TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job, url)
)`, s.pages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job TEXT PRIMARY KEY,
	total BIGINT NOT NULL,
	cached BIGINT NOT NULL,
	cached_redirects BIGINT NOT NULL,
	fetched BIGINT NOT NULL,
	redirects BIGINT NOT NULL,
	errors BIGINT NOT NULL,
	new_or_updated BIGINT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	duration TEXT NOT NULL DEFAULT ''
)`, s.stats),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job TEXT NOT NULL,
	url TEXT NOT NULL,
	id TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	fields JSONB NOT NULL,
	metadata JSONB NOT NULL,
	rules_hash TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	extracted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job, url)
)`, s.extractions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error_text TEXT NOT NULL DEFAULT '',
	config JSONB NOT NULL
)`, s.jobs),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping verifies a connection can run a statement.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// GetPage returns the record stored for (job, url).
func (s *Store) GetPage(ctx context.Context, job, url string) (crawler.PageRecord, error) {
	query := fmt.Sprintf(`
SELECT kind, depth, parent_url, status_code, content_type, content_hash, last_modified, etag,
	redirect_target, error_code, error_message, content, blob_uri, fetched_at
FROM %s WHERE job = $1 AND url = $2`, s.pages)

	rec := crawler.PageRecord{Job: job, URL: url}
	var kind string
	err := s.pool.QueryRow(ctx, query, job, url).Scan(
		&kind, &rec.Depth, &rec.ParentURL, &rec.StatusCode, &rec.ContentType, &rec.ContentHash,
		&rec.LastModified, &rec.ETag, &rec.RedirectTarget, &rec.ErrorCode, &rec.ErrorMessage,
		&rec.Content, &rec.BlobURI, &rec.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.PageRecord{}, fmt.Errorf("page %s: %w", url, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.PageRecord{}, fmt.Errorf("select page: %w", err)
	}
	rec.Kind = crawler.RecordKind(kind)
	return rec, nil
}

// PutPage inserts or replaces a record.
func (s *Store) PutPage(ctx context.Context, rec crawler.PageRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	job, url, kind, depth, parent_url, status_code, content_type, content_hash,
	last_modified, etag, redirect_target, error_code, error_message, content, blob_uri, fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (job, url) DO UPDATE SET
	kind = EXCLUDED.kind,
	depth = EXCLUDED.depth,
	parent_url = EXCLUDED.parent_url,
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	last_modified = EXCLUDED.last_modified,
	etag = EXCLUDED.etag,
	redirect_target = EXCLUDED.redirect_target,
	error_code = EXCLUDED.error_code,
	error_message = EXCLUDED.error_message,
	content = EXCLUDED.content,
	blob_uri = EXCLUDED.blob_uri,
	fetched_at = EXCLUDED.fetched_at`, s.pages)

	args := []any{
		rec.Job,
		rec.URL,
		string(rec.Kind),
		rec.Depth,
		rec.ParentURL,
		rec.StatusCode,
		rec.ContentType,
		rec.ContentHash,
		rec.LastModified,
		rec.ETag,
		rec.RedirectTarget,
		rec.ErrorCode,
		rec.ErrorMessage,
		rec.Content,
		rec.BlobURI,
		rec.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// ListPageURLs returns the URLs of a job's records of the given kinds, sorted.
func (s *Store) ListPageURLs(ctx context.Context, job string, kinds ...crawler.RecordKind) ([]string, error) {
	query := fmt.Sprintf(`SELECT url FROM %s WHERE job = $1`, s.pages)
	args := []any{job}
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		query += ` AND kind = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY url`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select page urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect page urls: %w", err)
	}
	return urls, nil
}

// SaveStats stores the stats of a job.
func (s *Store) SaveStats(ctx context.Context, job string, st crawler.Stats) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	job, total, cached, cached_redirects, fetched, redirects, errors, new_or_updated,
	start_time, end_time, duration
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (job) DO UPDATE SET
	total = EXCLUDED.total,
	cached = EXCLUDED.cached,
	cached_redirects = EXCLUDED.cached_redirects,
	fetched = EXCLUDED.fetched,
	redirects = EXCLUDED.redirects,
	errors = EXCLUDED.errors,
	new_or_updated = EXCLUDED.new_or_updated,
	start_time = EXCLUDED.start_time,
	end_time = EXCLUDED.end_time,
	duration = EXCLUDED.duration`, s.stats)

	_, err := s.pool.Exec(ctx, query,
		job, st.Total, st.Cached, st.CachedRedirects, st.Fetched, st.Redirects, st.Errors,
		st.NewOrUpdated, st.StartTime, st.EndTime, st.Duration,
	)
	if err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	return nil
}

// GetStats loads the stats of a job.
func (s *Store) GetStats(ctx context.Context, job string) (crawler.Stats, error) {
	query := fmt.Sprintf(`
SELECT total, cached, cached_redirects, fetched, redirects, errors, new_or_updated, start_time, end_time, duration
FROM %s WHERE job = $1`, s.stats)

	var st crawler.Stats
	err := s.pool.QueryRow(ctx, query, job).Scan(
		&st.Total, &st.Cached, &st.CachedRedirects, &st.Fetched, &st.Redirects, &st.Errors,
		&st.NewOrUpdated, &st.StartTime, &st.EndTime, &st.Duration,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Stats{}, fmt.Errorf("stats %s: %w", job, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("select stats: %w", err)
	}
	return st, nil
}

// SaveExtraction stores one extracted record.
func (s *Store) SaveExtraction(ctx context.Context, job string, rec crawler.ExtractedRecord) error {
	fields, err := json.Marshal(nonNil(rec.Fields))
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	metadata, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job, url, id, content_type, fields, metadata, rules_hash, text, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (job, url) DO UPDATE SET
	id = EXCLUDED.id,
	content_type = EXCLUDED.content_type,
	fields = EXCLUDED.fields,
	metadata = EXCLUDED.metadata,
	rules_hash = EXCLUDED.rules_hash,
	text = EXCLUDED.text,
	extracted_at = EXCLUDED.extracted_at`, s.extractions)

	_, err = s.pool.Exec(ctx, query,
		job, rec.URI, rec.ID, rec.ContentType, fields, metadata, rec.RulesHash, rec.Text, rec.ExtractedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}

// GetExtraction loads the extracted record of one URL.
func (s *Store) GetExtraction(ctx context.Context, job, url string) (crawler.ExtractedRecord, error) {
	query := fmt.Sprintf(`
SELECT url, id, content_type, fields, metadata, rules_hash, text, extracted_at
FROM %s WHERE job = $1 AND url = $2`, s.extractions)

	rec, err := scanExtraction(s.pool.QueryRow(ctx, query, job, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ExtractedRecord{}, fmt.Errorf("extraction %s: %w", url, crawler.ErrNotFound)
	}
	return rec, err
}

// ListExtractions returns a page of extracted records ordered by URI and the total count.
func (s *Store) ListExtractions(
	ctx context.Context,
	job string,
	offset, limit int,
) ([]crawler.ExtractedRecord, int, error) {
	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE job = $1`, s.extractions)
	if err := s.pool.QueryRow(ctx, countQuery, job).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count extractions: %w", err)
	}

	query := fmt.Sprintf(`
SELECT url, id, content_type, fields, metadata, rules_hash, text, extracted_at
FROM %s WHERE job = $1 ORDER BY url OFFSET $2`, s.extractions)
	args := []any{job, max(offset, 0)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanExtraction(row pgx.Row) (crawler.ExtractedRecord, error) {
	var (
		rec      crawler.ExtractedRecord
		fields   []byte
		metadata []byte
	)
	err := row.Scan(&rec.URI, &rec.ID, &rec.ContentType, &fields, &metadata, &rec.RulesHash,
		&rec.Text, &rec.ExtractedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan extraction: %w", err)
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return rec, fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return rec, fmt.Errorf("decode metadata: %w", err)
	}
	return rec, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// CreateJob stores a new job.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, name, status, submitted_at, error_text, config)
VALUES ($1,$2,$3,$4,$5,$6)`, s.jobs)
	if _, err := s.pool.Exec(ctx, query,
		job.ID, job.Name, string(job.Status), job.Submitted, job.ErrorText, cfg); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus moves a job to status. Terminal jobs are not changed.
func (s *Store) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $1,
	error_text = $2,
	started_at = CASE WHEN $1 = 'fetching' AND started_at IS NULL THEN NOW() ELSE started_at END,
	finished_at = CASE WHEN $1 IN ('succeeded', 'failed', 'canceled') THEN NOW() ELSE finished_at END
WHERE id = $3 AND status NOT IN ('succeeded', 'failed', 'canceled')`, s.jobs)

	res, err := s.pool.Exec(ctx, query, string(status), errText, jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Either missing or already terminal.
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`
SELECT id, name, status, submitted_at, started_at, finished_at, error_text, config
FROM %s WHERE id = $1`, s.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return job, err
}

// ListJobs returns the jobs that have not reached a terminal status, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	query := fmt.Sprintf(`
SELECT id, name, status, submitted_at, started_at, finished_at, error_text, config
FROM %s WHERE status NOT IN ('succeeded', 'failed', 'canceled')
ORDER BY submitted_at, id`, s.jobs)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job    crawler.Job
		status string
		cfg    []byte
	)
	err := row.Scan(&job.ID, &job.Name, &status, &job.Submitted, &job.Started, &job.Finished,
		&job.ErrorText, &cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return job, err
	}
	if err != nil {
		return job, fmt.Errorf("scan job: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	if len(strings.TrimSpace(string(cfg))) > 0 {
		if err := json.Unmarshal(cfg, &job.Config); err != nil {
			return job, fmt.Errorf("decode job config: %w", err)
		}
	}
	return job, nil
}
