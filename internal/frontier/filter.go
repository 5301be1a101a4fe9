package frontier

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// assetExtensions are never followed as discovered links.
var assetExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".css", ".js"}

// Filter decides whether a candidate URL belongs to a job. It holds only
// values compiled from the CrawlConfig and is safe for concurrent use.
type Filter struct {
	maxDepth  int
	hosts     map[string]struct{}
	domains   map[string]struct{}
	allowed   []*regexp.Regexp
	denied    []*regexp.Regexp
	deniedExt []string
}

// NewFilter compiles the admission rules of cfg.
func NewFilter(cfg crawler.CrawlConfig) (*Filter, error) {
	f := &Filter{
		maxDepth: cfg.EffectiveMaxDepth(),
		hosts:    make(map[string]struct{}),
		domains:  make(map[string]struct{}),
	}
	for _, d := range cfg.AllowedDomains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			f.domains[d] = struct{}{}
		}
	}
	for _, raw := range cfg.StartingURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: starting url %q: %v", crawler.ErrInvalidConfig, raw, err)
		}
		host := strings.ToLower(u.Hostname())
		if cfg.AllowStartingURLHostname {
			f.hosts[host] = struct{}{}
		}
		if cfg.AllowStartingURLTLD {
			f.domains[registrableDomain(host)] = struct{}{}
		}
	}
	var err error
	if f.allowed, err = compileAll(cfg.AllowedRegex); err != nil {
		return nil, err
	}
	if f.denied, err = compileAll(cfg.DeniedRegex); err != nil {
		return nil, err
	}
	for _, ext := range cfg.DeniedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.deniedExt = append(f.deniedExt, ext)
	}
	return f, nil
}

// Admit reports whether a discovered link at depth may be scheduled.
func (f *Filter) Admit(candidate string, depth int) bool {
	return f.admit(candidate, depth, true)
}

// AdmitSitemapEntry applies the domain and regex rules to a sitemap <loc>
// entry. Extension rules do not apply to sitemap entries.
func (f *Filter) AdmitSitemapEntry(candidate string) bool {
	return f.admit(candidate, crawler.SitemapEntriesDepth, false)
}

func (f *Filter) admit(candidate string, depth int, checkExt bool) bool {
	if depth > f.maxDepth {
		return false
	}
	if strings.Contains(candidate, "@") {
		return false
	}
	u, err := url.Parse(candidate)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if !f.domainAllowed(strings.ToLower(u.Hostname())) {
		return false
	}
	for _, re := range f.denied {
		if re.MatchString(candidate) {
			return false
		}
	}
	if checkExt && f.extensionDenied(u, candidate) {
		return false
	}
	if len(f.allowed) == 0 {
		return true
	}
	for _, re := range f.allowed {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

func (f *Filter) domainAllowed(host string) bool {
	if len(f.hosts) == 0 && len(f.domains) == 0 {
		return true
	}
	if _, ok := f.hosts[host]; ok {
		return true
	}
	for d := range f.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (f *Filter) extensionDenied(u *url.URL, candidate string) bool {
	path := strings.ToLower(u.Path)
	full := strings.ToLower(candidate)
	for _, ext := range assetExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	for _, ext := range f.deniedExt {
		if strings.HasSuffix(path, ext) || strings.HasSuffix(full, ext) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w: regex %q: %v", crawler.ErrInvalidConfig, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// registrableDomain returns the eTLD+1 of host, or host itself for IP
// literals and names without a public suffix.
func registrableDomain(host string) string {
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}
