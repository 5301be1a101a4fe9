package engine

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/require"
)

const urlset = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://example.com/a </loc><lastmod>2024-01-01</lastmod></url>
  <url><loc>https://example.com/b</loc></url>
  <url><loc></loc></url>
</urlset>`

func TestSitemapLocations(t *testing.T) {
	t.Parallel()

	locs, err := sitemapLocations([]byte(urlset))
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, locs)
}

func TestSitemapLocationsIndex(t *testing.T) {
	t.Parallel()

	index := `<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-1.xml</loc></sitemap>
</sitemapindex>`
	locs, err := sitemapLocations([]byte(index))
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/sitemap-1.xml"}, locs)
}

func TestSitemapLocationsGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(urlset))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	locs, err := sitemapLocations(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, locs, 2)
}

func TestSitemapLocationsMalformed(t *testing.T) {
	t.Parallel()

	_, err := sitemapLocations([]byte{0x1f, 0x8b, 0x00})
	require.Error(t, err)
}
