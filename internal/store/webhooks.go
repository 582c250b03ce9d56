package store

import (
	"context"
	"fmt"
	"time"
)

// WebhookEventProcessed reports whether the event id has been recorded.
func (s *Store) WebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

// RecordWebhookEvent marks an event processed; recording twice is a no-op.
func (s *Store) RecordWebhookEvent(ctx context.Context, eventID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, processed_at) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, at); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}
