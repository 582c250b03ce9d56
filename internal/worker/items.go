package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"citestack/internal/credits"
	"citestack/internal/models"
	"citestack/internal/store"
)

// ItemStore is the item persistence the handlers need.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (models.Item, error)
	SaveExtraction(ctx context.Context, id string, e models.Extraction) error
	SaveEnrichment(ctx context.Context, id string, e models.Enrichment) error
	MarkItemFailed(ctx context.Context, id, msg string) error
	SetItemError(ctx context.Context, id, msg string) error
	SetItemThumbnail(ctx context.Context, id, url string) error
}

// EnrichQueue queues enrichment once text is available.
type EnrichQueue interface {
	EnqueueEnrich(ctx context.Context, userID, itemID, mode string, force bool) (EnqueueResult, error)
}

func decodePayload(job models.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

func loadItem(ctx context.Context, items ItemStore, id string) (models.Item, error) {
	if id == "" {
		return models.Item{}, Permanent(errors.New("Missing itemId"))
	}
	item, err := items.GetItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Item{}, Permanent(errors.New("Item not found"))
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("load item: %w", err)
	}
	return item, nil
}

// queueEnrichment follows a successful extraction. A short balance is recorded on the
// item so the owner can see why no summary appeared; the extraction itself still succeeds.
func queueEnrichment(ctx context.Context, items ItemStore, queue EnrichQueue, item models.Item, logger *log.Logger) (string, error) {
	res, err := queue.EnqueueEnrich(ctx, item.UserID, item.ID, "", false)
	var short *credits.InsufficientError
	if errors.As(err, &short) {
		logger.Info().Str("item_id", item.ID).Str("user_id", item.UserID).Int("required", short.Required).
			Int("balance", short.Balance).Msg("enrichment skipped for balance")
		if err := items.SetItemError(ctx, item.ID, short.Message()); err != nil {
			return "", fmt.Errorf("record shortfall: %w", err)
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue enrichment: %w", err)
	}
	return res.JobID, nil
}

func resultJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}
