// Package docservice is a client for an Unstructured-compatible document
// extraction service, used to turn PDF, DOCX and similar files into text.
package docservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	partitionPath   = "/general/v0/general"
	defaultStrategy = "auto"
	maxErrorBody    = 512
)

// Config points the client at a service.
type Config struct {
	URL      string
	Timeout  time.Duration
	Strategy string
}

// Client posts documents to the service's partition endpoint.
type Client struct {
	endpoint string
	strategy string
	http     *http.Client
	logger   *zap.Logger
}

// element is one partition returned by the service.
type element struct {
	Text     string `json:"text"`
	Metadata struct {
		Filename string `json:"filename"`
	} `json:"metadata"`
}

// New creates a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("document service url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = defaultStrategy
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		endpoint: base + partitionPath,
		strategy: cfg.Strategy,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.Named("docservice"),
	}, nil
}

// Extract uploads data and joins the text of every returned element.
func (c *Client) Extract(ctx context.Context, filename, contentType string, data []byte) (crawler.Document, error) {
	body, formType, err := c.form(filename, contentType, data)
	if err != nil {
		return crawler.Document{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return crawler.Document{}, &crawler.ExtractorError{URL: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return crawler.Document{}, &crawler.ExtractorError{
			URL: c.endpoint,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}
	var elements []element
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return crawler.Document{}, &crawler.ExtractorError{URL: c.endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}

	texts := make([]string, 0, len(elements))
	for _, el := range elements {
		texts = append(texts, el.Text)
	}
	doc := crawler.Document{Text: strings.Join(texts, " ")}
	if len(elements) > 0 {
		doc.Title = elements[0].Metadata.Filename
	}
	c.logger.Debug("document partitioned",
		zap.String("filename", filename),
		zap.Int("elements", len(elements)),
	)
	return doc, nil
}

// form encodes the multipart body: a files part plus the strategy field.
func (c *Client) form(filename, contentType string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.WriteField("strategy", c.strategy); err != nil {
		return nil, "", fmt.Errorf("write strategy: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
