// Package extract runs the extraction phase: every content record a
// finished fetch phase left in the Dedup Store is evaluated against the
// job's extraction rules.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

const defaultConcurrency = 8

var errNoDocumentExtractor = errors.New("no document extractor configured")

// Store is the part of the Dedup Store the extraction phase needs.
type Store interface {
	crawler.PageStore
	crawler.StatsStore
	crawler.ExtractionStore
}

// Options wires the engine's collaborators.
type Options struct {
	Store Store
	// Blobs resolves records whose bytes were offloaded during the fetch phase.
	Blobs crawler.BlobStore
	// Documents converts binary content to text. Without it binary records
	// get their default values.
	Documents crawler.DocumentExtractor
	// Articles, when set, adds article fields to every HTML record.
	Articles    crawler.ArticleParser
	Clock       crawler.Clock
	Concurrency int
	Logger      *zap.Logger
}

// Engine executes extraction phases.
type Engine struct {
	store       Store
	blobs       crawler.BlobStore
	documents   crawler.DocumentExtractor
	articles    crawler.ArticleParser
	clock       crawler.Clock
	concurrency int
	logger      *zap.Logger
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:       opts.Store,
		blobs:       opts.Blobs,
		documents:   opts.Documents,
		articles:    opts.Articles,
		clock:       opts.Clock,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.Named("extract"),
	}, nil
}

// Run produces one ExtractedRecord per content record of job, ordered by
// URL. It fails with ErrPhaseIncomplete until the fetch phase has finished.
// Rule and document-extractor failures only affect the record concerned;
// store failures abort the phase.
func (e *Engine) Run(ctx context.Context, job string, rules crawler.RuleSet) ([]crawler.ExtractedRecord, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	st, err := e.store.GetStats(ctx, job)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return nil, fmt.Errorf("job %q: %w", job, crawler.ErrPhaseIncomplete)
	case err != nil:
		return nil, &crawler.StoreError{Op: "get stats", Err: err}
	case !st.Finished():
		return nil, fmt.Errorf("job %q: %w", job, crawler.ErrPhaseIncomplete)
	}

	fingerprint, err := Fingerprint(rules)
	if err != nil {
		return nil, err
	}
	compiled := compileRules(rules)
	urls, err := e.store.ListPageURLs(ctx, job, crawler.KindContent)
	if err != nil {
		return nil, &crawler.StoreError{Op: "list pages", Err: err}
	}

	logger := e.logger.With(zap.String("job", job))
	logger.Info("extraction phase started", zap.Int("records", len(urls)), zap.Int("rules", len(rules)))

	p := &pass{
		job:         job,
		rules:       compiled,
		fingerprint: fingerprint,
		logger:      logger,
	}
	records := make([]crawler.ExtractedRecord, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, u := range urls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rec, err := e.extractOne(gctx, p, u)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("extraction phase: %w", ctx.Err())
		}
		logger.Error("extraction phase aborted", zap.Error(err))
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("extraction phase: %w", ctx.Err())
	}
	logger.Info("extraction phase finished", zap.Int("records", len(records)))
	return records, nil
}

// pass is the state of one extraction phase.
type pass struct {
	job         string
	rules       []rule
	fingerprint string
	logger      *zap.Logger
}

func (e *Engine) extractOne(ctx context.Context, p *pass, pageURL string) (crawler.ExtractedRecord, error) {
	page, err := e.store.GetPage(ctx, p.job, pageURL)
	if err != nil {
		return crawler.ExtractedRecord{}, &crawler.StoreError{Op: "get page", Err: err}
	}
	class := crawler.ClassifyContentType(page.ContentType)

	prior, err := e.store.GetExtraction(ctx, p.job, pageURL)
	switch {
	case err == nil:
		if prior.RulesHash == p.fingerprint && !prior.ExtractedAt.Before(page.FetchedAt) {
			metrics.ObserveExtraction(classLabel(class), "reused")
			return prior, nil
		}
	case !errors.Is(err, crawler.ErrNotFound):
		return crawler.ExtractedRecord{}, &crawler.StoreError{Op: "get extraction", Err: err}
	}

	rec := crawler.ExtractedRecord{
		ID:          uuid.RecordID(pageURL),
		URI:         pageURL,
		ContentType: page.ContentType,
		Metadata:    baseMetadata(page),
		RulesHash:   p.fingerprint,
		ExtractedAt: e.clock.Now(),
	}
	result := "extracted"
	if err := e.evaluate(ctx, p, page, class, &rec); err != nil {
		if ctx.Err() != nil {
			return crawler.ExtractedRecord{}, ctx.Err()
		}
		p.logger.Warn("content unavailable, using defaults",
			zap.String("url", pageURL),
			zap.String("content_type", page.ContentType),
			zap.Error(err),
		)
		rec.Fields = defaults(p.rules)
		result = "fallback"
	}
	if class == crawler.ContentHTML && e.articles != nil {
		if err := e.parseArticle(ctx, &rec); err != nil {
			if ctx.Err() != nil {
				return crawler.ExtractedRecord{}, ctx.Err()
			}
			p.logger.Warn("article parsing failed", zap.String("url", pageURL), zap.Error(err))
			metrics.ObserveExtraction("article", "error")
		}
	}

	if err := e.store.SaveExtraction(ctx, p.job, rec); err != nil {
		if ctx.Err() != nil {
			return crawler.ExtractedRecord{}, ctx.Err()
		}
		return crawler.ExtractedRecord{}, &crawler.StoreError{Op: "save extraction", Err: err}
	}
	metrics.ObserveExtraction(classLabel(class), result)
	return rec, nil
}

// evaluate fills rec.Fields from the page content. An error means the
// content could not be obtained or converted at all.
func (e *Engine) evaluate(
	ctx context.Context,
	p *pass,
	page crawler.PageRecord,
	class crawler.ContentClass,
	rec *crawler.ExtractedRecord,
) error {
	body, err := e.content(ctx, page)
	if err != nil {
		return err
	}
	if class == crawler.ContentBinary {
		text, title, err := e.convert(ctx, page, body)
		if err != nil {
			return err
		}
		rec.Text = text
		if title != "" {
			rec.Metadata["title"] = title
		}
		body = []byte(text)
	}

	doc, err := newDocument(body)
	if err != nil {
		return err
	}
	if class == crawler.ContentHTML {
		if title := doc.title(); title != "" {
			rec.Metadata["title"] = title
		}
	}
	fields, problems := evaluateAll(p.rules, doc)
	rec.Fields = fields
	if len(problems) > 0 {
		p.logger.Debug("rules fell back to defaults",
			zap.String("url", page.URL),
			zap.Int("fields", len(problems)),
			zap.Error(problems[0]),
		)
	}
	return nil
}

// content returns the stored bytes of page, reading offloaded blobs.
func (e *Engine) content(ctx context.Context, page crawler.PageRecord) ([]byte, error) {
	if page.BlobURI == "" {
		return page.Content, nil
	}
	if e.blobs == nil {
		return nil, fmt.Errorf("record %s is offloaded to %s but no blob store is configured", page.URL, page.BlobURI)
	}
	data, err := e.blobs.GetObject(ctx, page.BlobURI)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// convert sends binary content through the document extractor.
func (e *Engine) convert(ctx context.Context, page crawler.PageRecord, body []byte) (string, string, error) {
	if e.documents == nil {
		return "", "", &crawler.ExtractorError{URL: page.URL, Err: errNoDocumentExtractor}
	}
	start := time.Now()
	doc, err := e.documents.Extract(ctx, documentName(page.URL), crawler.MediaType(page.ContentType), body)
	if err != nil {
		var ee *crawler.ExtractorError
		if errors.As(err, &ee) {
			return "", "", err
		}
		return "", "", &crawler.ExtractorError{URL: page.URL, Err: err}
	}
	e.logger.Debug("document converted",
		zap.String("url", page.URL),
		zap.Int("bytes", len(body)),
		zap.Int("chars", len(doc.Text)),
		zap.Duration("took", time.Since(start)),
	)
	return doc.Text, doc.Title, nil
}

// parseArticle merges the article fields of rec's page into rec. The
// headline replaces the page title and the article body becomes the
// record's text.
func (e *Engine) parseArticle(ctx context.Context, rec *crawler.ExtractedRecord) error {
	a, err := e.articles.ParseArticle(ctx, rec.URI)
	if err != nil {
		return err
	}
	set := func(key, value string) {
		if value != "" {
			rec.Metadata[key] = value
		}
	}
	set("title", a.Headline)
	set("description", a.Description)
	set("image", a.Image)
	set("date_published_raw", a.DatePublishedRaw)
	set("date_modified_raw", a.DateModifiedRaw)
	if a.Body != "" {
		rec.Text = a.Body
	}
	metrics.ObserveExtraction("article", "extracted")
	return nil
}

// baseMetadata holds the values every record carries regardless of rules.
func baseMetadata(page crawler.PageRecord) map[string]string {
	md := map[string]string{
		"id":        uuid.RecordID(page.URL),
		"path":      recordPath(page.URL),
		"page_type": pageType(page.URL),
	}
	if page.LastModified != "" {
		md["server_last_modified"] = page.LastModified
	}
	return md
}

// documentName is the filename reported to the document extractor.
func documentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "document"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

func classLabel(c crawler.ContentClass) string {
	switch c {
	case crawler.ContentHTML:
		return "html"
	case crawler.ContentText:
		return "text"
	default:
		return "binary"
	}
}
