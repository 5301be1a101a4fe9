package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Job config defaults.
const (
	DefaultMaxDepth     = 300
	DefaultMaxPages     = -1
	DefaultConcurrency  = 10
	DefaultUserAgent    = "SiteCrawler/1.0"
	DefaultCacheTTL     = -1
	SitemapMaxDepth     = 2
	SitemapEntriesDepth = 2
)

// CrawlConfig is the immutable per-job configuration.
type CrawlConfig struct {
	Name                     string            `json:"name"`
	StartingURLs             []string          `json:"starting_urls"`
	AllowedDomains           []string          `json:"allowed_domains,omitempty"`
	AllowedRegex             []string          `json:"allowed_regex,omitempty"`
	DeniedRegex              []string          `json:"denied_regex,omitempty"`
	DeniedExtensions         []string          `json:"denied_extensions,omitempty"`
	IsSitemap                bool              `json:"is_sitemap"`
	MaxDepth                 int               `json:"max_depth"`
	MaxPages                 int               `json:"max_pages"`
	Concurrency              int               `json:"concurrency"`
	AllowStartingURLHostname bool              `json:"allow_starting_url_hostname"`
	AllowStartingURLTLD      bool              `json:"allow_starting_url_tld"`
	UserAgent                string            `json:"user_agent"`
	Headers                  map[string]string `json:"headers,omitempty"`
	// CacheTTLHours makes stored records stale after the given age. Values <= 0 disable expiry.
	CacheTTLHours   float64 `json:"cache_ttl_hours"`
	ExtractionRules RuleSet `json:"extraction_rules,omitempty"`
}

// DefaultCrawlConfig returns a config carrying every default.
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		MaxDepth:                 DefaultMaxDepth,
		MaxPages:                 DefaultMaxPages,
		Concurrency:              DefaultConcurrency,
		AllowStartingURLHostname: true,
		UserAgent:                DefaultUserAgent,
		CacheTTLHours:            DefaultCacheTTL,
	}
}

// ParseCrawlConfig decodes JSON on top of base and validates the result.
func ParseCrawlConfig(data []byte, base CrawlConfig) (CrawlConfig, error) {
	cfg := base
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return CrawlConfig{}, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return CrawlConfig{}, err
	}
	return cfg, nil
}

// Validate enforces required values and reasonable limits.
func (c CrawlConfig) Validate() error {
	if len(c.StartingURLs) == 0 {
		return fmt.Errorf("%w: starting_urls must not be empty", ErrInvalidConfig)
	}
	for _, raw := range c.StartingURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: starting url %q must be an absolute http(s) url", ErrInvalidConfig, raw)
		}
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("%w: max_depth must be >= 1", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidConfig)
	}
	if err := c.ExtractionRules.Validate(); err != nil {
		return err
	}
	return nil
}

// PageLimit returns max_pages, or 0 when the crawl is unbounded.
func (c CrawlConfig) PageLimit() int {
	if c.MaxPages <= 0 {
		return 0
	}
	return c.MaxPages
}

// EffectiveMaxDepth applies the sitemap-mode depth cap.
func (c CrawlConfig) EffectiveMaxDepth() int {
	if c.IsSitemap {
		return SitemapMaxDepth
	}
	return c.MaxDepth
}

// RuleMode is the active branch of an ExtractionRule.
type RuleMode int

// Rule modes in evaluation precedence.
const (
	RuleDefault RuleMode = iota
	RuleFixed
	RuleCSS
	RuleRegex
)

func (m RuleMode) String() string {
	switch m {
	case RuleFixed:
		return "fixed"
	case RuleCSS:
		return "css"
	case RuleRegex:
		return "regex"
	default:
		return "default"
	}
}

// ExtractionRule maps content to one named output field.
type ExtractionRule struct {
	FieldName    string `json:"field_name"`
	CSSSelector  string `json:"css_selector,omitempty"`
	RegexPattern string `json:"regex_pattern,omitempty"`
	Attribute    string `json:"attribute,omitempty"`
	FixedValue   string `json:"fixed_value,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
}

// Mode resolves which branch evaluates the rule.
func (r ExtractionRule) Mode() RuleMode {
	switch {
	case r.FixedValue != "":
		return RuleFixed
	case strings.TrimSpace(r.CSSSelector) != "":
		return RuleCSS
	case r.RegexPattern != "":
		return RuleRegex
	default:
		return RuleDefault
	}
}

// RuleSet is the ordered list of rules of a job.
type RuleSet []ExtractionRule

// UnmarshalJSON accepts a plain list or a {"rules": [...]} object.
// A rule may spell regex_pattern as "regex".
func (rs *RuleSet) UnmarshalJSON(data []byte) error {
	type rawRule struct {
		ExtractionRule
		Regex string `json:"regex"`
	}
	var rules []rawRule
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*rs = nil
		return nil
	case len(trimmed) > 0 && trimmed[0] == '{':
		var wrapper struct {
			Rules []rawRule `json:"rules"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return fmt.Errorf("decode rules object: %w", err)
		}
		rules = wrapper.Rules
	default:
		if err := json.Unmarshal(trimmed, &rules); err != nil {
			return fmt.Errorf("decode rules list: %w", err)
		}
	}
	out := make(RuleSet, 0, len(rules))
	for _, r := range rules {
		rule := r.ExtractionRule
		if rule.RegexPattern == "" {
			rule.RegexPattern = r.Regex
		}
		out = append(out, rule)
	}
	*rs = out
	return nil
}

// Validate checks field names are present and unique.
func (rs RuleSet) Validate() error {
	seen := make(map[string]struct{}, len(rs))
	for i, r := range rs {
		name := strings.TrimSpace(r.FieldName)
		if name == "" {
			return fmt.Errorf("%w: extraction rule %d has no field_name", ErrInvalidConfig, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate extraction field %q", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
