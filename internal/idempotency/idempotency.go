// Package idempotency caches write responses per (user, key) so a retried request
// replays the first response instead of running its side effects again.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"citestack/internal/models"
	"citestack/internal/store"
)

// MaxKeyLength bounds stored keys, counted in characters.
const MaxKeyLength = 256

// Store is the persistence the cache needs.
type Store interface {
	GetIdempotencyRecord(ctx context.Context, userID, key string) (models.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, rec models.IdempotencyRecord) error
}

// Response is a cached HTTP response. Body holds the exact bytes sent to the client.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// SanitizeKey trims and truncates a client key. The boolean is false when the key is
// missing or blank and the caller has to derive one.
func SanitizeKey(raw string) (string, bool) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", false
	}
	if utf8.RuneCountInString(key) > MaxKeyLength {
		runes := []rune(key)
		key = string(runes[:MaxKeyLength])
	}
	return key, true
}

// DeriveKey hashes the user and request parts into a deterministic key.
func DeriveKey(userID string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return "derived:" + hex.EncodeToString(h.Sum(nil))
}

// Cache reads and writes cached responses.
type Cache struct {
	store Store
}

// NewCache wraps a store.
func NewCache(st Store) *Cache {
	return &Cache{store: st}
}

// Get returns the cached response, or nil when there is none or the record is unusable.
func (c *Cache) Get(ctx context.Context, userID, key string) (*Response, error) {
	rec, err := c.store.GetIdempotencyRecord(ctx, userID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	return decode(rec.ResponseJSON), nil
}

// Put stores a response under (user, key).
func (c *Cache) Put(ctx context.Context, userID, key string, resp Response, fingerprint string) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	return c.store.PutIdempotencyRecord(ctx, models.IdempotencyRecord{
		UserID:       userID,
		Key:          key,
		Fingerprint:  fingerprint,
		ResponseJSON: raw,
	})
}

func decode(raw []byte) *Response {
	var envelope struct {
		Status *int            `json:"status"`
		Body   json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if envelope.Status == nil || *envelope.Status < 100 || *envelope.Status > 599 {
		return nil
	}
	body := bytes.TrimSpace(envelope.Body)
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	return &Response{Status: *envelope.Status, Body: body}
}
