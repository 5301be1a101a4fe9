package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/storage/storetest"
)

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, NewStore())
}

func TestStoreClosed(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.NoError(t, store.Close())
	_, err := store.GetPage(context.Background(), "job", "https://x.test/")
	require.Error(t, err)
	require.False(t, errors.Is(err, crawler.ErrNotFound))
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	content := []byte("abc")
	require.NoError(t, store.PutPage(ctx, crawler.PageRecord{Job: "j", URL: "u", Content: content}))
	content[0] = 'X'

	got, err := store.GetPage(ctx, "j", "u")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got.Content))
}

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	payload := []byte("%PDF-1.4")
	uri, err := store.PutObject(ctx, "job/abc.pdf", "application/pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://job/abc.pdf", uri)

	payload[0] = 'X'
	got, err := store.GetObject(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4", string(got))

	_, err = store.GetObject(ctx, "memory://missing")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
	_, err = store.GetObject(ctx, "gs://bucket/x")
	require.Error(t, err)
	_, err = store.PutObject(ctx, " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", Name: "docs", Status: crawler.JobStatusQueued, Submitted: time.Unix(10, 0)}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "job-0", Status: crawler.JobStatusQueued, Submitted: time.Unix(5, 0)}))

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusFetching, ""))
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusExtracting, ""))

	active, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "job-0", active[0].ID)

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusSucceeded, ""))
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusFailed, "late"))

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusSucceeded, final.Status, "terminal status is sticky")
	require.NotNil(t, final.Started)
	require.NotNil(t, final.Finished)

	active, err = store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = store.GetJob(ctx, "nope")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
	require.True(t, errors.Is(store.UpdateJobStatus(ctx, "nope", crawler.JobStatusFailed, ""), crawler.ErrNotFound))
}
