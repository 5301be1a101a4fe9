package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// strippedTags are removed from the DOM before CSS rules run.
const strippedTags = "script, style, noscript, template, iframe"

var attrSuffix = regexp.MustCompile(`::attr\(\s*([^)\s]+)\s*\)\s*$`)

// rule is an ExtractionRule resolved to exactly one evaluation branch.
type rule struct {
	field    string
	mode     crawler.RuleMode
	fixed    string
	fallback string
	matcher  goquery.Matcher
	attr     string
	re       *regexp.Regexp
	// invalid is set when the active branch can never produce a value.
	invalid *crawler.RuleError
}

// compileRules resolves every rule once per phase. Broken selectors and
// patterns are kept as invalid rules that always yield their default.
func compileRules(rules crawler.RuleSet) []rule {
	out := make([]rule, 0, len(rules))
	for _, r := range rules {
		c := rule{
			field:    strings.TrimSpace(r.FieldName),
			mode:     r.Mode(),
			fixed:    r.FixedValue,
			fallback: r.DefaultValue,
			attr:     strings.TrimSpace(r.Attribute),
		}
		switch c.mode {
		case crawler.RuleCSS:
			compileSelector(&c, strings.TrimSpace(r.CSSSelector))
		case crawler.RuleRegex:
			compilePattern(&c, r.RegexPattern)
		}
		out = append(out, c)
	}
	return out
}

func compileSelector(c *rule, selector string) {
	switch {
	case strings.HasSuffix(selector, "::text"):
		selector = strings.TrimSpace(strings.TrimSuffix(selector, "::text"))
		c.attr = ""
	case attrSuffix.MatchString(selector):
		c.attr = attrSuffix.FindStringSubmatch(selector)[1]
		selector = strings.TrimSpace(attrSuffix.ReplaceAllString(selector, ""))
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		c.invalid = &crawler.RuleError{Field: c.field, Reason: fmt.Sprintf("css selector %q: %v", selector, err)}
		return
	}
	c.matcher = sel
}

func compilePattern(c *rule, pattern string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.invalid = &crawler.RuleError{Field: c.field, Reason: fmt.Sprintf("regex %q: %v", pattern, err)}
		return
	}
	if n := re.NumSubexp(); n != 1 {
		c.invalid = &crawler.RuleError{
			Field:  c.field,
			Reason: fmt.Sprintf("regex %q has %d capture groups, want 1", pattern, n),
		}
		return
	}
	c.re = re
}

// document is one piece of content prepared for rule evaluation.
type document struct {
	raw string
	dom *goquery.Document
}

// newDocument parses raw as HTML and strips non-content elements.
func newDocument(raw []byte) (*document, error) {
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	dom.Find(strippedTags).Remove()
	return &document{raw: string(raw), dom: dom}, nil
}

// title returns the trimmed <title> text, if any.
func (d *document) title() string {
	return strings.TrimSpace(d.dom.Find("title").First().Text())
}

// evaluate applies r to doc in precedence order fixed > css > regex >
// default. The returned RuleError explains why the default was used.
func (r rule) evaluate(doc *document) (string, *crawler.RuleError) {
	if r.mode == crawler.RuleFixed {
		return strings.TrimSpace(r.fixed), nil
	}
	if r.invalid != nil {
		return r.defaultValue(), r.invalid
	}
	switch r.mode {
	case crawler.RuleCSS:
		sel := doc.dom.FindMatcher(r.matcher).First()
		if sel.Length() == 0 {
			return r.defaultValue(), &crawler.RuleError{Field: r.field, Reason: "selector matched no element"}
		}
		if r.attr == "" {
			return strings.TrimSpace(sel.Text()), nil
		}
		val, ok := sel.Attr(r.attr)
		if !ok {
			return r.defaultValue(), &crawler.RuleError{Field: r.field, Reason: fmt.Sprintf("attribute %q missing", r.attr)}
		}
		return strings.TrimSpace(val), nil
	case crawler.RuleRegex:
		m := r.re.FindStringSubmatch(doc.raw)
		if m == nil {
			return r.defaultValue(), &crawler.RuleError{Field: r.field, Reason: "pattern did not match"}
		}
		return strings.TrimSpace(m[1]), nil
	default:
		return r.defaultValue(), nil
	}
}

func (r rule) defaultValue() string {
	return strings.TrimSpace(r.fallback)
}

// evaluateAll runs every rule against doc. Rule errors never stop evaluation.
func evaluateAll(rules []rule, doc *document) (map[string]string, []*crawler.RuleError) {
	fields := make(map[string]string, len(rules))
	var problems []*crawler.RuleError
	for _, r := range rules {
		val, problem := r.evaluate(doc)
		fields[r.field] = val
		if problem != nil {
			problems = append(problems, problem)
		}
	}
	return fields, problems
}

// defaults returns every field set to its default value.
func defaults(rules []rule) map[string]string {
	fields := make(map[string]string, len(rules))
	for _, r := range rules {
		if r.mode == crawler.RuleFixed {
			fields[r.field] = strings.TrimSpace(r.fixed)
			continue
		}
		fields[r.field] = r.defaultValue()
	}
	return fields
}
