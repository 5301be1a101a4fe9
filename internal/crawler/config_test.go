package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCrawlConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseCrawlConfig([]byte(`{
		"name": "docs",
		"starting_urls": ["https://example.com/"],
		"extraction_rules": [{"field_name": "title", "regex": "<title>(.*?)</title>"}]
	}`), DefaultCrawlConfig())
	require.NoError(t, err)

	require.Equal(t, "docs", cfg.Name)
	require.Equal(t, DefaultMaxDepth, cfg.MaxDepth)
	require.Equal(t, DefaultMaxPages, cfg.MaxPages)
	require.Equal(t, DefaultConcurrency, cfg.Concurrency)
	require.Equal(t, DefaultUserAgent, cfg.UserAgent)
	require.True(t, cfg.AllowStartingURLHostname)
	require.False(t, cfg.AllowStartingURLTLD)
	require.Equal(t, 0, cfg.PageLimit())
	require.Len(t, cfg.ExtractionRules, 1)
	require.Equal(t, "<title>(.*?)</title>", cfg.ExtractionRules[0].RegexPattern)
	require.Equal(t, RuleRegex, cfg.ExtractionRules[0].Mode())
}

func TestParseCrawlConfigRulesWrapper(t *testing.T) {
	t.Parallel()

	cfg, err := ParseCrawlConfig([]byte(`{
		"starting_urls": ["https://example.com/"],
		"is_sitemap": true,
		"max_pages": 5,
		"extraction_rules": {"rules": [
			{"field_name": "author", "css_selector": "meta[name=author]", "attribute": "content"},
			{"field_name": "site", "fixed_value": "example", "css_selector": "h1"}
		]}
	}`), DefaultCrawlConfig())
	require.NoError(t, err)

	require.Equal(t, 5, cfg.PageLimit())
	require.Equal(t, SitemapMaxDepth, cfg.EffectiveMaxDepth())
	require.Equal(t, RuleCSS, cfg.ExtractionRules[0].Mode())
	require.Equal(t, RuleFixed, cfg.ExtractionRules[1].Mode())
}

func TestParseCrawlConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "no starting urls", body: `{"starting_urls": []}`},
		{name: "relative starting url", body: `{"starting_urls": ["/a"]}`},
		{name: "bad depth", body: `{"starting_urls": ["https://a.test/"], "max_depth": 0}`},
		{name: "bad concurrency", body: `{"starting_urls": ["https://a.test/"], "concurrency": 0}`},
		{name: "unknown field", body: `{"starting_urls": ["https://a.test/"], "bogus": 1}`},
		{
			name: "duplicate field",
			body: `{"starting_urls": ["https://a.test/"], "extraction_rules": [{"field_name": "a"}, {"field_name": "a"}]}`,
		},
		{
			name: "missing field name",
			body: `{"starting_urls": ["https://a.test/"], "extraction_rules": [{"css_selector": "h1"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCrawlConfig([]byte(tt.body), DefaultCrawlConfig())
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestRuleModePrecedence(t *testing.T) {
	t.Parallel()

	require.Equal(t, RuleFixed, ExtractionRule{FixedValue: "x", CSSSelector: "h1", RegexPattern: "(a)"}.Mode())
	require.Equal(t, RuleCSS, ExtractionRule{CSSSelector: "h1", RegexPattern: "(a)"}.Mode())
	require.Equal(t, RuleRegex, ExtractionRule{RegexPattern: "(a)"}.Mode())
	require.Equal(t, RuleDefault, ExtractionRule{DefaultValue: "d"}.Mode())
	require.Equal(t, "css", RuleCSS.String())
}
