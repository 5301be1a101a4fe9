package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/storage/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Options{
		Path:      filepath.Join(t.TempDir(), "nested", "crawl.db"),
		EnableWAL: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, openTestStore(t))
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{Path: "  "})
	require.Error(t, err)
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crawl.db")

	first, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.PutPage(ctx, crawler.PageRecord{
		Job:         "docs",
		URL:         "https://x.test/",
		Kind:        crawler.KindContent,
		ContentHash: "h",
		FetchedAt:   time.Unix(100, 0),
	}))
	require.NoError(t, first.Close())

	second, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetPage(ctx, "docs", "https://x.test/")
	require.NoError(t, err)
	require.Equal(t, "h", got.ContentHash)
	require.Nil(t, got.Content)
}

func TestListExtractionsWithoutLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	for _, u := range []string{"https://x.test/b", "https://x.test/a"} {
		require.NoError(t, store.SaveExtraction(ctx, "docs", crawler.ExtractedRecord{URI: u, ID: u}))
	}

	all, total, err := store.ListExtractions(ctx, "docs", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, "https://x.test/a", all[0].URI)
	require.NotNil(t, all[0].Fields)
}

func TestPing(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
}
