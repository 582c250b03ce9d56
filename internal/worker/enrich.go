package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/phuslu/log"

	"citestack/internal/llm"
	"citestack/internal/logging"
	"citestack/internal/models"
)

// Enrichment input bounds, in characters.
const (
	MinEnrichChars = 500
	MaxEnrichChars = 120_000
)

// Summarizer produces an enrichment for a text.
type Summarizer interface {
	Summarize(ctx context.Context, text, mode string) (models.Enrichment, error)
}

// Enricher runs enrich_item jobs. Credits are already spent by the runner when it is called.
type Enricher struct {
	items      ItemStore
	summarizer Summarizer
	log        *log.Logger
}

// NewEnricher builds the enrich_item handler.
func NewEnricher(items ItemStore, summarizer Summarizer, logger *log.Logger) *Enricher {
	return &Enricher{items: items, summarizer: summarizer, log: logging.OrNop(logger)}
}

// Handle implements Handler.
func (h *Enricher) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload models.EnrichPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ItemID == "" && job.ItemID != nil {
		payload.ItemID = *job.ItemID
	}
	item, err := loadItem(ctx, h.items, payload.ItemID)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(item.Text())
	if text == "" {
		return nil, h.fail(ctx, item.ID, Permanent(errors.New("Item has no text to enrich")))
	}
	if utf8.RuneCountInString(text) < MinEnrichChars {
		return nil, h.fail(ctx, item.ID, Permanent(errors.New("Not enough extracted text to summarize")))
	}
	if utf8.RuneCountInString(text) > MaxEnrichChars {
		text = string([]rune(text)[:MaxEnrichChars])
	}

	mode := payload.Mode
	if mode == "" {
		mode = "full"
	}
	enrichment, err := h.summarizer.Summarize(ctx, text, mode)
	if errors.Is(err, llm.ErrNotConfigured) {
		err = Permanent(err)
	}
	if err != nil {
		return nil, h.fail(ctx, item.ID, err)
	}
	if err := h.items.SaveEnrichment(ctx, item.ID, enrichment); err != nil {
		return nil, fmt.Errorf("save enrichment: %w", err)
	}

	h.log.Info().Str("job_id", job.ID).Str("item_id", item.ID).Str("mode", mode).
		Int("quotes", len(enrichment.Quotes)).Int("tags", len(enrichment.Tags)).Msg("item enriched")
	return resultJSON(map[string]any{"mode": mode, "quotes": len(enrichment.Quotes), "tags": len(enrichment.Tags)})
}

// fail marks the item failed with the job error and passes the error through.
func (h *Enricher) fail(ctx context.Context, itemID string, cause error) error {
	if err := h.items.MarkItemFailed(ctx, itemID, cause.Error()); err != nil {
		h.log.Error().Err(err).Str("item_id", itemID).Msg("mark item failed")
	}
	return cause
}
