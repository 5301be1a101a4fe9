// Package storetest holds a conformance suite every crawler.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Run exercises store against the Dedup Store contract. The store must be empty.
func Run(t *testing.T, store crawler.Store) {
	t.Helper()
	ctx := context.Background()
	fetchedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("page round trip", func(t *testing.T) {
		_, err := store.GetPage(ctx, "job-a", "https://x.test/")
		require.True(t, errors.Is(err, crawler.ErrNotFound), "got %v", err)

		rec := crawler.PageRecord{
			Job:          "job-a",
			URL:          "https://x.test/",
			Kind:         crawler.KindContent,
			Depth:        1,
			StatusCode:   200,
			ContentType:  "text/html",
			ContentHash:  "abc",
			LastModified: "Wed, 21 Oct 2015 07:28:00 GMT",
			ETag:         `"v1"`,
			Content:      []byte("<html></html>"),
			FetchedAt:    fetchedAt,
		}
		require.NoError(t, store.PutPage(ctx, rec))

		got, err := store.GetPage(ctx, "job-a", "https://x.test/")
		require.NoError(t, err)
		require.Equal(t, rec.Kind, got.Kind)
		require.Equal(t, rec.Depth, got.Depth)
		require.Equal(t, rec.ContentHash, got.ContentHash)
		require.Equal(t, rec.LastModified, got.LastModified)
		require.Equal(t, rec.ETag, got.ETag)
		require.Equal(t, rec.Content, got.Content)
		require.True(t, rec.FetchedAt.Equal(got.FetchedAt))

		_, err = store.GetPage(ctx, "job-b", "https://x.test/")
		require.True(t, errors.Is(err, crawler.ErrNotFound), "records are scoped by job")
	})

	t.Run("put replaces", func(t *testing.T) {
		redirect := crawler.PageRecord{
			Job:            "job-a",
			URL:            "https://x.test/old",
			Kind:           crawler.KindRedirect,
			RedirectTarget: "https://x.test/new",
			FetchedAt:      fetchedAt,
		}
		require.NoError(t, store.PutPage(ctx, redirect))
		redirect.RedirectTarget = "https://x.test/newer"
		require.NoError(t, store.PutPage(ctx, redirect))

		got, err := store.GetPage(ctx, "job-a", "https://x.test/old")
		require.NoError(t, err)
		require.Equal(t, "https://x.test/newer", got.RedirectTarget)
		require.True(t, got.CacheHit())
	})

	t.Run("list by kind", func(t *testing.T) {
		require.NoError(t, store.PutPage(ctx, crawler.PageRecord{
			Job:          "job-a",
			URL:          "https://x.test/broken",
			Kind:         crawler.KindError,
			ErrorCode:    "404",
			ErrorMessage: "not found",
			FetchedAt:    fetchedAt,
		}))
		urls, err := store.ListPageURLs(ctx, "job-a", crawler.KindContent)
		require.NoError(t, err)
		require.Equal(t, []string{"https://x.test/"}, urls)

		all, err := store.ListPageURLs(ctx, "job-a")
		require.NoError(t, err)
		require.Len(t, all, 3)

		errPage, err := store.GetPage(ctx, "job-a", "https://x.test/broken")
		require.NoError(t, err)
		require.False(t, errPage.CacheHit())
		require.Equal(t, "404", errPage.ErrorCode)
	})

	t.Run("stats", func(t *testing.T) {
		_, err := store.GetStats(ctx, "job-a")
		require.True(t, errors.Is(err, crawler.ErrNotFound), "got %v", err)

		end := fetchedAt.Add(90 * time.Second)
		st := crawler.Stats{
			Total:           5,
			Cached:          2,
			CachedRedirects: 1,
			Fetched:         2,
			Redirects:       1,
			Errors:          1,
			NewOrUpdated:    2,
			StartTime:       fetchedAt,
			EndTime:         &end,
			Duration:        "1 minute, 30 seconds",
		}
		require.NoError(t, store.SaveStats(ctx, "job-a", st))
		got, err := store.GetStats(ctx, "job-a")
		require.NoError(t, err)
		require.Equal(t, st.Total, got.Total)
		require.Equal(t, st.CachedRedirects, got.CachedRedirects)
		require.Equal(t, st.NewOrUpdated, got.NewOrUpdated)
		require.Equal(t, st.Duration, got.Duration)
		require.True(t, st.StartTime.Equal(got.StartTime))
		require.NotNil(t, got.EndTime)
		require.True(t, end.Equal(*got.EndTime))

		running := crawler.Stats{StartTime: fetchedAt, Duration: "still running"}
		require.NoError(t, store.SaveStats(ctx, "job-b", running))
		got, err = store.GetStats(ctx, "job-b")
		require.NoError(t, err)
		require.Nil(t, got.EndTime)
	})

	t.Run("extractions paginate", func(t *testing.T) {
		for i := range 5 {
			rec := crawler.ExtractedRecord{
				ID:          fmt.Sprintf("id-%d", i),
				URI:         fmt.Sprintf("https://x.test/p%d", i),
				ContentType: "text/html",
				Fields:      map[string]string{"title": fmt.Sprintf("Page %d", i)},
				Metadata:    map[string]string{"page_type": "Web Page"},
				RulesHash:   "h1",
				ExtractedAt: fetchedAt,
				Text:        "body text",
			}
			require.NoError(t, store.SaveExtraction(ctx, "job-a", rec))
		}

		page, total, err := store.ListExtractions(ctx, "job-a", 2, 2)
		require.NoError(t, err)
		require.Equal(t, 5, total)
		require.Len(t, page, 2)
		require.Equal(t, "https://x.test/p2", page[0].URI)
		require.Equal(t, "Page 3", page[1].Fields["title"])

		page, total, err = store.ListExtractions(ctx, "job-a", 10, 2)
		require.NoError(t, err)
		require.Equal(t, 5, total)
		require.Empty(t, page)

		one, err := store.GetExtraction(ctx, "job-a", "https://x.test/p4")
		require.NoError(t, err)
		require.Equal(t, "id-4", one.ID)
		require.Equal(t, "Web Page", one.Metadata["page_type"])
		require.Equal(t, "h1", one.RulesHash)
		require.Equal(t, "body text", one.Text)

		_, err = store.GetExtraction(ctx, "job-a", "https://x.test/none")
		require.True(t, errors.Is(err, crawler.ErrNotFound), "got %v", err)
	})

	t.Run("concurrent writes", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 32)
		for i := range 32 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- store.PutPage(ctx, crawler.PageRecord{
					Job:       "job-c",
					URL:       fmt.Sprintf("https://x.test/c%d", i),
					Kind:      crawler.KindContent,
					FetchedAt: fetchedAt,
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		urls, err := store.ListPageURLs(ctx, "job-c")
		require.NoError(t, err)
		require.Len(t, urls, 32)
	})
}
