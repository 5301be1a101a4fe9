package crawler

import (
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports and the fragment,
// and gives an empty path a trailing slash. The query is kept as sent.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// ResolveReference resolves href against base and normalizes the result.
func ResolveReference(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return NormalizeURL(base.ResolveReference(ref).String())
}

// ContentClass groups content types by how they are processed.
type ContentClass int

// Content classes.
const (
	ContentBinary ContentClass = iota
	ContentText
	ContentHTML
)

var htmlTypes = map[string]struct{}{
	"text/html":             {},
	"text/xhtml":            {},
	"application/xhtml+xml": {},
	"application/xhtml":     {},
	"application/html":      {},
}

// MediaType returns the lowercased media type without parameters.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// ClassifyContentType maps a Content-Type header to a ContentClass.
func ClassifyContentType(contentType string) ContentClass {
	mt := MediaType(contentType)
	if _, ok := htmlTypes[mt]; ok {
		return ContentHTML
	}
	switch {
	case mt == "":
		return ContentHTML
	case strings.HasPrefix(mt, "text/"),
		mt == "application/xml",
		mt == "application/json",
		strings.HasSuffix(mt, "+xml"):
		return ContentText
	default:
		return ContentBinary
	}
}
