// Package article is a client for a Zyte-compatible extraction API that
// recognizes article structure (headline, body, dates) on web pages.
package article

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// DefaultURL is the public Zyte API extract endpoint.
const DefaultURL = "https://api.zyte.com/v1/extract"

const maxErrorBody = 512

// Config points the client at an extract endpoint.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client requests article extraction for one page at a time.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

type extractRequest struct {
	URL              string         `json:"url"`
	HTTPResponseBody bool           `json:"httpResponseBody"`
	Article          bool           `json:"article"`
	ArticleOptions   articleOptions `json:"articleOptions"`
}

type articleOptions struct {
	ExtractFrom string `json:"extractFrom"`
}

type extractResponse struct {
	URL     string `json:"url"`
	Article *struct {
		Headline    string `json:"headline"`
		ArticleBody string `json:"articleBody"`
		Description string `json:"description"`
		MainImage   *struct {
			URL string `json:"url"`
		} `json:"mainImage"`
		DatePublishedRaw string `json:"datePublishedRaw"`
		DateModifiedRaw  string `json:"dateModifiedRaw"`
	} `json:"article"`
}

// New creates a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("article api key is required")
	}
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		endpoint = DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.Named("article"),
	}, nil
}

// ParseArticle asks the API to fetch pageURL and extract its article.
func (c *Client) ParseArticle(ctx context.Context, pageURL string) (crawler.Article, error) {
	payload, err := json.Marshal(extractRequest{
		URL:            pageURL,
		Article:        true,
		ArticleOptions: articleOptions{ExtractFrom: "httpResponseBody"},
	})
	if err != nil {
		return crawler.Article{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return crawler.Article{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return crawler.Article{}, &crawler.ExtractorError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return crawler.Article{}, &crawler.ExtractorError{
			URL: pageURL,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}
	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return crawler.Article{}, &crawler.ExtractorError{URL: pageURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Article == nil {
		return crawler.Article{}, nil
	}

	a := crawler.Article{
		Headline:         out.Article.Headline,
		Body:             out.Article.ArticleBody,
		Description:      out.Article.Description,
		DatePublishedRaw: out.Article.DatePublishedRaw,
		DateModifiedRaw:  out.Article.DateModifiedRaw,
	}
	if out.Article.MainImage != nil {
		a.Image = out.Article.MainImage.URL
	}
	c.logger.Debug("article parsed",
		zap.String("url", pageURL),
		zap.Bool("headline", a.Headline != ""),
		zap.Int("body_chars", len(a.Body)),
	)
	return a, nil
}
