package extract

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const defaultPageType = "Web Page"

// recordPath renders the URL path as breadcrumbs, "a / b / c". The host
// stands in for an empty path.
func recordPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return u.Host
	}
	return strings.ReplaceAll(path, "/", " / ")
}

// pageType derives a human label from the first path segment:
// "/press-releases/2024" becomes "Press Releases".
func pageType(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultPageType
	}
	first, _, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	first = strings.NewReplacer("-", " ", "_", " ").Replace(first)
	words := strings.Fields(first)
	if len(words) == 0 {
		return defaultPageType
	}
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

func titleWord(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}
