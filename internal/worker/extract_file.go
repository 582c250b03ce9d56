package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"citestack/internal/blob"
	"citestack/internal/extract"
	"citestack/internal/logging"
	"citestack/internal/models"
)

// FileExtractor reads an uploaded file from blob storage and stores its text.
type FileExtractor struct {
	items    ItemStore
	queue    EnrichQueue
	blobs    blob.Store
	maxBytes int64
	log      *log.Logger
}

// NewFileExtractor builds the extract_file handler.
func NewFileExtractor(items ItemStore, queue EnrichQueue, blobs blob.Store, maxBytes int64, logger *log.Logger) *FileExtractor {
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}
	return &FileExtractor{items: items, queue: queue, blobs: blobs, maxBytes: maxBytes, log: logging.OrNop(logger)}
}

// Handle implements Handler.
func (h *FileExtractor) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload models.ExtractFilePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	item, err := loadItem(ctx, h.items, payload.ItemID)
	if err != nil {
		return nil, err
	}
	path, mimeType := payload.FilePath, payload.MimeType
	if path == "" {
		path = item.FilePath
	}
	if mimeType == "" {
		mimeType = item.MimeType
	}
	if path == "" {
		return nil, Permanent(errors.New("Item has no file path"))
	}

	data, err := h.blobs.Get(ctx, path, h.maxBytes)
	switch {
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, blob.ErrTooLarge):
		return nil, Permanent(err)
	case err != nil:
		return nil, fmt.Errorf("read file: %w", err)
	}

	doc, err := extract.FromFile(data, mimeType)
	if errors.Is(err, extract.ErrUnsupportedType) {
		return nil, Permanent(errors.New("Unsupported file type"))
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, Permanent(errors.New("No text could be extracted"))
	}
	if err := h.items.SaveExtraction(ctx, item.ID, models.Extraction{Title: doc.Title, RawText: doc.Raw, CleanedText: doc.Text}); err != nil {
		return nil, fmt.Errorf("save extraction: %w", err)
	}

	enrichJob, err := queueEnrichment(ctx, h.items, h.queue, item, h.log)
	if err != nil {
		return nil, err
	}
	return resultJSON(map[string]any{"chars": len(doc.Text), "enrichJobId": enrichJob})
}
