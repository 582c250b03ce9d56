// Package queue carries runner wakeups from the API to workers over Redis. Jobs live in
// the database; the signal only shortens the wait between an enqueue and the next batch.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Wakeup publishes and waits for "jobs are ready" signals on a Redis list.
type Wakeup struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

// NewWakeup builds a signal on key.
func NewWakeup(client redis.Cmdable, key string) *Wakeup {
	if key == "" {
		key = "jobs:wakeup"
	}
	return &Wakeup{client: client, key: key, maxLen: 100}
}

// Notify records that jobID is ready. The list is capped so idle workers do not
// accumulate a backlog of signals.
func (w *Wakeup) Notify(ctx context.Context, jobID string) error {
	pipe := w.client.TxPipeline()
	pipe.RPush(ctx, w.key, jobID)
	pipe.LTrim(ctx, w.key, -w.maxLen, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish wakeup: %w", err)
	}
	return nil
}

// Wait blocks until a signal arrives or timeout passes. It drains any queued signals
// so one batch answers a burst of enqueues, and reports whether a signal was seen.
func (w *Wakeup) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := w.client.BLPop(ctx, timeout, w.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wait wakeup: %w", err)
	}
	if err := w.client.Del(ctx, w.key).Err(); err != nil {
		return true, fmt.Errorf("drain wakeups: %w", err)
	}
	return true, nil
}

// Pending returns the number of undelivered signals.
func (w *Wakeup) Pending(ctx context.Context) (int64, error) {
	return w.client.LLen(ctx, w.key).Result()
}
