package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citestack/internal/credits"
	"citestack/internal/models"
	"citestack/internal/queue"
	"citestack/internal/store"
)

func newTestEnqueuer(t *testing.T, freeGrant int) (*Enqueuer, *store.Memory, *queue.Wakeup) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := store.NewMemory()
	wake := queue.NewWakeup(client, "test:wakeup")
	return NewEnqueuer(mem, credits.NewLedger(mem, freeGrant, nil), wake, nil), mem, wake
}

func TestEnqueueEnrich_CreatesJobAndWakesRunner(t *testing.T) {
	enq, mem, wake := newTestEnqueuer(t, 30)
	ctx := context.Background()

	res, err := enq.EnqueueEnrich(ctx, "u1", "item-1", "tags_only", false)
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.False(t, res.Existing)

	job, err := mem.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobEnrichItem, job.Type)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.DefaultMaxAttempts, job.MaxAttempts)
	var payload models.EnrichPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, models.EnrichPayload{ItemID: "item-1", Mode: "tags_only"}, payload)

	pending, err := wake.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestEnqueueEnrich_SkipsWhenActiveUnlessForced(t *testing.T) {
	enq, mem, _ := newTestEnqueuer(t, 30)
	ctx := context.Background()

	first, err := enq.EnqueueEnrich(ctx, "u1", "item-1", "", false)
	require.NoError(t, err)
	require.NotEmpty(t, first.JobID)

	second, err := enq.EnqueueEnrich(ctx, "u1", "item-1", "", false)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Empty(t, second.JobID)
	assert.Len(t, mem.ListJobs("u1"), 1)

	forced, err := enq.EnqueueEnrich(ctx, "u1", "item-1", "", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, forced.JobID)
	assert.Len(t, mem.ListJobs("u1"), 2)
}

func TestEnqueueEnrich_RefusesShortBalance(t *testing.T) {
	enq, mem, _ := newTestEnqueuer(t, 2)

	_, err := enq.EnqueueEnrich(context.Background(), "u1", "item-1", "full", false)
	var short *credits.InsufficientError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 3, short.Required)
	assert.Equal(t, 2, short.Balance)
	assert.Equal(t, "Need 3 credits; you have 2. Credits reset monthly.", short.Message())
	assert.Empty(t, mem.ListJobs("u1"))
}

func TestEnqueue_RejectsUnknownType(t *testing.T) {
	enq, _, _ := newTestEnqueuer(t, 30)
	_, err := enq.Enqueue(context.Background(), "u1", "item-1", models.JobType("mystery"), struct{}{})
	require.Error(t, err)
}

func TestEnqueueExtractAndScreenshot(t *testing.T) {
	enq, mem, _ := newTestEnqueuer(t, 0)
	ctx := context.Background()

	ex, err := enq.EnqueueExtractURL(ctx, "u1", "item-1", "https://example.com/a", false)
	require.NoError(t, err)
	shot, err := enq.EnqueueScreenshot(ctx, "u1", "item-1", "https://example.com/a")
	require.NoError(t, err)
	file, err := enq.EnqueueExtractFile(ctx, "u1", "item-2", "uploads/a.txt", "text/plain", false)
	require.NoError(t, err)

	again, err := enq.EnqueueExtractURL(ctx, "u1", "item-1", "https://example.com/a", false)
	require.NoError(t, err)
	assert.True(t, again.Existing)

	jobs := mem.ListJobs("u1")
	require.Len(t, jobs, 3)
	assert.Equal(t, ex.JobID, jobs[0].ID)
	assert.Equal(t, models.JobExtractURL, jobs[0].Type)
	assert.Equal(t, shot.JobID, jobs[1].ID)
	assert.Equal(t, models.JobScreenshotURL, jobs[1].Type)
	assert.Equal(t, file.JobID, jobs[2].ID)
	assert.JSONEq(t, `{"itemId":"item-2","filePath":"uploads/a.txt","mimeType":"text/plain"}`, string(jobs[2].Payload))
}
