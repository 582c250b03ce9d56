package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citestack/internal/models"
)

func newJob(t *testing.T, m *Memory, itemID string, typ models.JobType) models.Job {
	t.Helper()
	job, err := m.CreateJob(context.Background(), models.NewJob{UserID: "u1", ItemID: itemID, Type: typ})
	require.NoError(t, err)
	return job
}

func TestMemory_CreateJobDefaults(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, "item-1", models.JobEnrichItem)

	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.DefaultMaxAttempts, job.MaxAttempts)
	assert.JSONEq(t, `{}`, string(job.Payload))
	require.NotNil(t, job.ItemID)
	assert.Equal(t, "item-1", *job.ItemID)

	_, err := m.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ClaimIsExclusive(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, "item-1", models.JobExtractURL)
	now := time.Now().UTC()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.ClaimJob(context.Background(), job.ID, now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	got, err := m.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestMemory_RunnableOrderAndDelay(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first := newJob(t, m, "a", models.JobExtractURL)
	second := newJob(t, m, "b", models.JobExtractURL)
	third := newJob(t, m, "c", models.JobExtractURL)

	now := time.Now().UTC()
	later := now.Add(time.Minute)
	m.SetJobState(second.ID, models.StatusQueued, nil, &later)

	jobs, err := m.ListRunnableJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, third.ID, jobs[1].ID)

	jobs, err = m.ListRunnableJobs(ctx, later, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, []string{first.ID, second.ID}, []string{jobs[0].ID, jobs[1].ID})
}

func TestMemory_TransitionsRequireRunning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newJob(t, m, "a", models.JobEnrichItem)
	now := time.Now().UTC()

	require.NoError(t, m.CompleteJob(ctx, job.ID, nil, now))
	got, _ := m.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusQueued, got.Status)

	_, ok, err := m.ClaimJob(ctx, job.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.RequeueJob(ctx, job.ID, now.Add(2*time.Minute), "boom"))
	got, _ = m.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", *got.Error)
	assert.Nil(t, got.StartedAt)

	m.SetJobState(job.ID, models.StatusRunning, &now, nil)
	require.NoError(t, m.FailJob(ctx, job.ID, "final", now))
	got, _ = m.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestMemory_ActiveAndStuck(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job := newJob(t, m, "item-1", models.JobScreenshotURL)

	active, err := m.HasActiveJob(ctx, "item-1", models.JobScreenshotURL)
	require.NoError(t, err)
	assert.True(t, active)
	active, err = m.HasActiveJob(ctx, "item-1", models.JobEnrichItem)
	require.NoError(t, err)
	assert.False(t, active)

	old := time.Now().Add(-20 * time.Minute)
	m.SetJobState(job.ID, models.StatusRunning, &old, nil)
	n, err := m.ResetStuckJobs(ctx, time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, _ := m.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestMemory_ItemsAndCanonicalLookup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	item, err := m.CreateItem(ctx, models.NewItem{UserID: "u1", SourceType: models.SourceURL, URL: "https://x.io/a/", CanonicalURL: "https://x.io/a"})
	require.NoError(t, err)
	assert.Equal(t, models.ItemCaptured, item.Status)

	found, err := m.FindItemByCanonicalURL(ctx, "u1", "https://x.io/a")
	require.NoError(t, err)
	assert.Equal(t, item.ID, found.ID)
	_, err = m.FindItemByCanonicalURL(ctx, "u2", "https://x.io/a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.MarkItemFailed(ctx, item.ID, "fetch failed"))
	require.NoError(t, m.ClearItemError(ctx, item.ID))
	got, err := m.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Error)
	assert.Equal(t, models.ItemCaptured, got.Status)

	require.NoError(t, m.SaveEnrichment(ctx, item.ID, models.Enrichment{Summary: "s", Tags: []string{"b", "a"}}))
	got, _ = m.GetItem(ctx, item.ID)
	assert.Equal(t, models.ItemEnriched, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.Tags)

	assert.ErrorIs(t, m.SetItemThumbnail(ctx, "missing", "x"), ErrNotFound)
}

func TestMemory_WebhookEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seen, err := m.WebhookEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.RecordWebhookEvent(ctx, "evt_1", time.Now()))
	require.NoError(t, m.RecordWebhookEvent(ctx, "evt_1", time.Now()))
	seen, err = m.WebhookEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 1, m.WebhookEventCount())
}
