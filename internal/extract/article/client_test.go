package article

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: "http://localhost"}, nil)
	require.Error(t, err)

	client, err := New(Config{APIKey: "key"}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultURL, client.endpoint)
}

func TestParseArticleRequestsArticleExtraction(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "secret", user)
		assert.Empty(t, pass)

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://news.test/story", body["url"])
		assert.Equal(t, true, body["article"])
		assert.Equal(t, false, body["httpResponseBody"])
		assert.Equal(t, map[string]any{"extractFrom": "httpResponseBody"}, body["articleOptions"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"url": "https://news.test/story",
			"article": {
				"headline": "Rates Hold Steady",
				"articleBody": "The committee left rates unchanged.",
				"description": "A short summary.",
				"mainImage": {"url": "https://news.test/img.jpg"},
				"datePublishedRaw": "May 1, 2024",
				"dateModifiedRaw": "May 2, 2024"
			}
		}`)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{URL: srv.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)

	got, err := client.ParseArticle(context.Background(), "https://news.test/story")
	require.NoError(t, err)
	require.Equal(t, crawler.Article{
		Headline:         "Rates Hold Steady",
		Body:             "The committee left rates unchanged.",
		Description:      "A short summary.",
		Image:            "https://news.test/img.jpg",
		DatePublishedRaw: "May 1, 2024",
		DateModifiedRaw:  "May 2, 2024",
	}, got)
}

func TestParseArticleWithoutArticle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"url": "https://news.test/"}`)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{URL: srv.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)
	got, err := client.ParseArticle(context.Background(), "https://news.test/")
	require.NoError(t, err)
	require.Equal(t, crawler.Article{}, got)
}

func TestParseArticleErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{URL: srv.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)
	_, err = client.ParseArticle(context.Background(), "https://news.test/")
	var ee *crawler.ExtractorError
	require.True(t, errors.As(err, &ee), "got %v", err)
	require.Contains(t, err.Error(), "429")
	require.Contains(t, err.Error(), "quota exceeded")
}
