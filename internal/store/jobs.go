package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"citestack/internal/models"
)

const jobColumns = `id, user_id, item_id, type, payload, status, attempts, max_attempts,
	run_after, started_at, finished_at, error, result, created_at`

// CreateJob inserts a queued job.
func (s *Store) CreateJob(ctx context.Context, p models.NewJob) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, item_id, type, payload, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, now())
		RETURNING `+jobColumns,
		uuid.New().String(), p.UserID, emptyToNil(p.ItemID), string(p.Type), []byte(p.Payload), models.StatusQueued, p.MaxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, ErrNotFound
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// HasActiveJob reports whether a queued or running job of the given type exists for the item.
func (s *Store) HasActiveJob(ctx context.Context, itemID string, t models.JobType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs WHERE item_id = $1 AND type = $2 AND status IN ($3, $4)
		)`, itemID, string(t), models.StatusQueued, models.StatusRunning).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active job: %w", err)
	}
	return exists, nil
}

// ResetStuckJobs returns running jobs started before the cutoff to the queue.
func (s *Store) ResetStuckJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3`,
		models.StatusQueued, models.StatusRunning, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRunnableJobs returns queued jobs whose run_after has passed, oldest first.
func (s *Store) ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND (run_after IS NULL OR run_after <= $2)
		ORDER BY created_at ASC
		LIMIT $3`, models.StatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a queued job to running. The boolean is false when another runner got it first.
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = $3, attempts = attempts + 1
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns, id, models.StatusRunning, now, models.StatusQueued))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// RequeueJob puts a running job back in the queue for a later attempt.
func (s *Store) RequeueJob(ctx context.Context, id string, runAfter time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, run_after = $3, error = $4, started_at = NULL, finished_at = NULL, result = NULL
		WHERE id = $1 AND status = $5`,
		id, models.StatusQueued, runAfter, errMsg, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// CompleteJob marks a running job succeeded with its result.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, error = NULL, finished_at = $4
		WHERE id = $1 AND status = $5`,
		id, models.StatusSucceeded, []byte(result), now, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks a running job terminally failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, result = NULL, finished_at = $4
		WHERE id = $1 AND status = $5`,
		id, models.StatusFailed, errMsg, now, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		itemID     pgtype.UUID
		jobType    string
		payload    []byte
		result     []byte
		errText    pgtype.Text
		runAfter   pgtype.Timestamptz
		startedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.UserID, &itemID, &jobType, &payload, &job.Status, &job.Attempts,
		&job.MaxAttempts, &runAfter, &startedAt, &finishedAt, &errText, &result, &job.CreatedAt); err != nil {
		return models.Job{}, err
	}
	if itemID.Valid {
		id := uuid.UUID(itemID.Bytes).String()
		job.ItemID = &id
	}
	job.Type = models.JobType(jobType)
	job.Payload = payload
	if len(result) > 0 {
		job.Result = result
	}
	job.Error = textPtr(errText)
	job.RunAfter = timePtr(runAfter)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}
