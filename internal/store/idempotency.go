package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"citestack/internal/models"
)

// GetIdempotencyRecord looks up a cached response by (user, key).
func (s *Store) GetIdempotencyRecord(ctx context.Context, userID, key string) (models.IdempotencyRecord, error) {
	var (
		rec         models.IdempotencyRecord
		fingerprint pgtype.Text
		body        string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, key, request_fingerprint, response_json::text, created_at
		FROM idempotency_keys WHERE user_id = $1 AND key = $2`, userID, key).
		Scan(&rec.UserID, &rec.Key, &fingerprint, &body, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return models.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.Fingerprint = textVal(fingerprint)
	rec.ResponseJSON = []byte(body)
	return rec, nil
}

// PutIdempotencyRecord upserts a cached response; the last write wins.
func (s *Store) PutIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (user_id, key, request_fingerprint, response_json, created_at)
		VALUES ($1, $2, $3, $4::json, now())
		ON CONFLICT (user_id, key) DO UPDATE
		SET request_fingerprint = EXCLUDED.request_fingerprint, response_json = EXCLUDED.response_json`,
		rec.UserID, rec.Key, emptyToNil(rec.Fingerprint), string(rec.ResponseJSON))
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}
