package engine

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
)

// sitemapLocations returns the <loc> values of a sitemap document. Gzipped
// sitemaps are accepted.
func sitemapLocations(body []byte) ([]string, error) {
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip sitemap: %w", err)
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("read gzip sitemap: %w", err)
		}
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	nodes, err := xmlquery.QueryAll(doc, "//*[local-name()='loc']")
	if err != nil {
		return nil, fmt.Errorf("query sitemap: %w", err)
	}
	locs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs, nil
}
