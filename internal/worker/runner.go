package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"citestack/internal/credits"
	"citestack/internal/logging"
	"citestack/internal/models"
	"citestack/internal/telemetry"
)

// Batch size bounds for RunBatch.
const (
	DefaultBatchLimit = 5
	MaxBatchLimit     = 20
)

// settleTimeout bounds the store writes that record a job outcome.
const settleTimeout = 10 * time.Second

// ErrInsufficientCredits fails an enrichment whose owner cannot pay for it.
var ErrInsufficientCredits = errors.New("Insufficient credits")

// JobStore is the job persistence the runner and enqueuer need.
type JobStore interface {
	CreateJob(ctx context.Context, p models.NewJob) (models.Job, error)
	HasActiveJob(ctx context.Context, itemID string, t models.JobType) (bool, error)
	ResetStuckJobs(ctx context.Context, startedBefore time.Time) (int64, error)
	ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error)
	RequeueJob(ctx context.Context, id string, runAfter time.Time, errMsg string) error
	CompleteJob(ctx context.Context, id string, result json.RawMessage, now time.Time) error
	FailJob(ctx context.Context, id string, errMsg string, now time.Time) error
}

// CreditSpender charges and refunds enrichment jobs.
type CreditSpender interface {
	Spend(ctx context.Context, userID string, amount int, reason string, opts credits.SpendOptions) (bool, error)
	Refund(ctx context.Context, userID, jobID string) (int, error)
}

// Handler executes one job and returns its result document.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Handlers binds a handler to every job type.
type Handlers struct {
	ExtractURL    Handler
	ExtractFile   Handler
	EnrichItem    Handler
	ScreenshotURL Handler
}

func (h Handlers) forType(t models.JobType) Handler {
	switch t {
	case models.JobExtractURL:
		return h.ExtractURL
	case models.JobExtractFile:
		return h.ExtractFile
	case models.JobEnrichItem:
		return h.EnrichItem
	case models.JobScreenshotURL:
		return h.ScreenshotURL
	}
	return nil
}

// RunnerOptions tunes batch execution.
type RunnerOptions struct {
	StuckAfter  time.Duration
	JobTimeout  time.Duration
	Concurrency int
}

// Runner claims queued jobs and drives them to a terminal or retry state. It keeps no
// state between batches, so any number of runners may share one store.
type Runner struct {
	store    JobStore
	credits  CreditSpender
	handlers Handlers
	opts     RunnerOptions
	now      func() time.Time
	log      *log.Logger
}

// BatchResult summarizes one RunBatch call.
type BatchResult struct {
	Processed int `json:"processed"`
	Claimed   int `json:"claimed"`
}

// NewRunner wires a runner.
func NewRunner(st JobStore, spender CreditSpender, handlers Handlers, opts RunnerOptions, logger *log.Logger) *Runner {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 15 * time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Runner{
		store:    st,
		credits:  spender,
		handlers: handlers,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.OrNop(logger),
	}
}

// ClampLimit bounds a requested batch size to [1, MaxBatchLimit].
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxBatchLimit {
		return MaxBatchLimit
	}
	return n
}

// RunBatch recovers stuck jobs, claims up to limit runnable jobs oldest first, and runs
// the claimed ones. Only a failure to list jobs is returned; per-job problems are logged.
func (r *Runner) RunBatch(ctx context.Context, limit int) (BatchResult, error) {
	start := time.Now()
	defer func() { telemetry.BatchDuration.Observe(time.Since(start).Seconds()) }()

	limit = ClampLimit(limit)
	now := r.now()

	if n, err := r.store.ResetStuckJobs(ctx, now.Add(-r.opts.StuckAfter)); err != nil {
		r.log.Error().Err(err).Msg("stuck job sweep failed")
	} else if n > 0 {
		telemetry.JobsRecovered.Add(float64(n))
		r.log.Warn().Int64("count", n).Msg("requeued stuck jobs")
	}

	queued, err := r.store.ListRunnableJobs(ctx, now, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list runnable jobs: %w", err)
	}

	claimed := make([]models.Job, 0, len(queued))
	for _, candidate := range queued {
		job, ok, err := r.store.ClaimJob(ctx, candidate.ID, r.now())
		if err != nil {
			r.log.Warn().Err(err).Str("job_id", candidate.ID).Msg("claim failed, leaving job queued")
			continue
		}
		if !ok {
			continue
		}
		telemetry.JobsClaimed.Inc()
		claimed = append(claimed, job)
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, job := range claimed {
		job := job
		g.Go(func() error {
			r.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{Processed: len(claimed), Claimed: len(claimed)}, nil
}

func (r *Runner) process(ctx context.Context, job models.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()

	result, charged, err := r.execute(jobCtx, job)

	// the outcome is written even when the batch context is gone
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()
	r.settle(settleCtx, job, result, charged, err)
}

// execute runs the handler for job, charging enrichments first. charged reports whether
// this job holds a debit that a terminal failure should give back.
func (r *Runner) execute(ctx context.Context, job models.Job) (result json.RawMessage, charged bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("job_id", job.ID).Str("stack", string(debug.Stack())).Msgf("handler panic: %v", p)
			err = fmt.Errorf("job failed: %v", p)
		}
	}()

	handler := r.handlers.forType(job.Type)
	if handler == nil {
		return nil, false, Permanent(errors.New("Unknown job type"))
	}

	if job.Type == models.JobEnrichItem {
		var payload models.EnrichPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, false, Permanent(fmt.Errorf("decode payload: %w", err))
		}
		cost, reason := credits.EnrichCost(payload.Mode)
		itemID := payload.ItemID
		if itemID == "" && job.ItemID != nil {
			itemID = *job.ItemID
		}
		ok, err := r.credits.Spend(ctx, job.UserID, cost, reason, credits.SpendOptions{JobID: job.ID, ItemID: itemID})
		if err != nil {
			return nil, false, fmt.Errorf("spend credits: %w", err)
		}
		if !ok {
			return nil, false, Permanent(ErrInsufficientCredits)
		}
		charged = true
	}

	result, err = handler(ctx, job)
	return result, charged, err
}

func (r *Runner) settle(ctx context.Context, job models.Job, result json.RawMessage, charged bool, runErr error) {
	now := r.now()

	if runErr == nil {
		if err := r.store.CompleteJob(ctx, job.ID, result, now); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("settle success failed")
			return
		}
		telemetry.JobsSucceeded.WithLabelValues(string(job.Type)).Inc()
		r.log.Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Int("attempts", job.Attempts).Msg("job succeeded")
		return
	}

	msg := runErr.Error()
	if !IsPermanent(runErr) && job.Attempts < job.MaxAttempts {
		runAfter := now.Add(Backoff(job.Attempts))
		if err := r.store.RequeueJob(ctx, job.ID, runAfter, msg); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("settle retry failed")
			return
		}
		telemetry.JobsRetried.WithLabelValues(string(job.Type)).Inc()
		r.log.Warn().Str("job_id", job.ID).Str("job_type", string(job.Type)).Int("attempts", job.Attempts).
			Time("run_after", runAfter).Str("error", msg).Msg("job requeued")
		return
	}

	if err := r.store.FailJob(ctx, job.ID, msg, now); err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID).Msg("settle failure failed")
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(job.Type)).Inc()
	r.log.Error().Str("job_id", job.ID).Str("job_type", string(job.Type)).Int("attempts", job.Attempts).Str("error", msg).Msg("job failed")

	if charged {
		if _, err := r.credits.Refund(ctx, job.UserID, job.ID); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("refund failed")
		}
	}
}

// Backoff is the delay before the next attempt: 2^attempts minutes, at most an hour.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 6 {
		return 60 * time.Minute
	}
	return time.Duration(1<<attempts) * time.Minute
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
