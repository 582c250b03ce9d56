package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phuslu/log"

	"citestack/internal/credits"
	"citestack/internal/logging"
	"citestack/internal/models"
	"citestack/internal/telemetry"
)

// Notifier wakes runners after an enqueue.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// BalanceChecker gates paid job types at enqueue time.
type BalanceChecker interface {
	Require(ctx context.Context, userID string, amount int) error
}

// EnqueueResult reports the job created, or that an active one already covers the item.
type EnqueueResult struct {
	JobID    string
	Existing bool
}

// Enqueuer creates jobs. Typed helpers skip items that already have an active job of
// the same type unless forced, and enrichment is refused up front when the balance is short.
type Enqueuer struct {
	store    JobStore
	credits  BalanceChecker
	notifier Notifier
	log      *log.Logger
}

// NewEnqueuer wires an enqueuer; notifier may be nil.
func NewEnqueuer(st JobStore, balances BalanceChecker, notifier Notifier, logger *log.Logger) *Enqueuer {
	return &Enqueuer{store: st, credits: balances, notifier: notifier, log: logging.OrNop(logger)}
}

// Enqueue inserts a queued job and returns its id.
func (e *Enqueuer) Enqueue(ctx context.Context, userID, itemID string, t models.JobType, payload any) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	job, err := e.store.CreateJob(ctx, models.NewJob{
		UserID:      userID,
		ItemID:      itemID,
		Type:        t,
		Payload:     raw,
		MaxAttempts: models.DefaultMaxAttempts,
	})
	if err != nil {
		return "", err
	}
	telemetry.JobsEnqueued.WithLabelValues(string(t)).Inc()
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, job.ID); err != nil {
			e.log.Warn().Err(err).Str("job_id", job.ID).Msg("runner wakeup not delivered")
		} else {
			telemetry.WakeupsPublished.Inc()
		}
	}
	return job.ID, nil
}

func (e *Enqueuer) active(ctx context.Context, itemID string, t models.JobType, force bool) (bool, error) {
	if force {
		return false, nil
	}
	return e.store.HasActiveJob(ctx, itemID, t)
}

// EnqueueEnrich queues an enrichment after checking the owner can pay for it. A short
// balance returns *credits.InsufficientError.
func (e *Enqueuer) EnqueueEnrich(ctx context.Context, userID, itemID, mode string, force bool) (EnqueueResult, error) {
	busy, err := e.active(ctx, itemID, models.JobEnrichItem, force)
	if err != nil || busy {
		return EnqueueResult{Existing: busy}, err
	}
	cost, _ := credits.EnrichCost(mode)
	if err := e.credits.Require(ctx, userID, cost); err != nil {
		return EnqueueResult{}, err
	}
	id, err := e.Enqueue(ctx, userID, itemID, models.JobEnrichItem, models.EnrichPayload{ItemID: itemID, Mode: mode})
	return EnqueueResult{JobID: id}, err
}

// EnqueueExtractURL queues extraction of a web page.
func (e *Enqueuer) EnqueueExtractURL(ctx context.Context, userID, itemID, url string, force bool) (EnqueueResult, error) {
	busy, err := e.active(ctx, itemID, models.JobExtractURL, force)
	if err != nil || busy {
		return EnqueueResult{Existing: busy}, err
	}
	id, err := e.Enqueue(ctx, userID, itemID, models.JobExtractURL, models.ExtractURLPayload{ItemID: itemID, URL: url})
	return EnqueueResult{JobID: id}, err
}

// EnqueueExtractFile queues extraction of an uploaded file.
func (e *Enqueuer) EnqueueExtractFile(ctx context.Context, userID, itemID, filePath, mimeType string, force bool) (EnqueueResult, error) {
	busy, err := e.active(ctx, itemID, models.JobExtractFile, force)
	if err != nil || busy {
		return EnqueueResult{Existing: busy}, err
	}
	id, err := e.Enqueue(ctx, userID, itemID, models.JobExtractFile,
		models.ExtractFilePayload{ItemID: itemID, FilePath: filePath, MimeType: mimeType})
	return EnqueueResult{JobID: id}, err
}

// EnqueueScreenshot queues a page screenshot.
func (e *Enqueuer) EnqueueScreenshot(ctx context.Context, userID, itemID, url string) (EnqueueResult, error) {
	busy, err := e.active(ctx, itemID, models.JobScreenshotURL, false)
	if err != nil || busy {
		return EnqueueResult{Existing: busy}, err
	}
	id, err := e.Enqueue(ctx, userID, itemID, models.JobScreenshotURL, models.ScreenshotPayload{ItemID: itemID, URL: url})
	return EnqueueResult{JobID: id}, err
}
