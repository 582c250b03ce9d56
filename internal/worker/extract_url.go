package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/phuslu/log"

	"citestack/internal/extract"
	"citestack/internal/logging"
	"citestack/internal/models"
	"citestack/internal/urlutil"
)

var errURLNotAllowed = errors.New("URL not allowed")

// FetchOptions bounds outbound page fetches.
type FetchOptions struct {
	Timeout  time.Duration
	MaxBytes int64
	// IsBlocked overrides the address blocklist; tests use it to reach httptest servers.
	IsBlocked func(string) bool
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 5 * 1024 * 1024
	}
	if o.IsBlocked == nil {
		o.IsBlocked = urlutil.IsBlocked
	}
	return o
}

// URLExtractor fetches a captured page and stores its text.
type URLExtractor struct {
	items  ItemStore
	queue  EnrichQueue
	client *http.Client
	opts   FetchOptions
	log    *log.Logger
}

// NewURLExtractor builds the extract_url handler.
func NewURLExtractor(items ItemStore, queue EnrichQueue, opts FetchOptions, logger *log.Logger) *URLExtractor {
	opts = opts.withDefaults()
	client := &http.Client{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if opts.IsBlocked(req.URL.String()) {
				return errURLNotAllowed
			}
			return nil
		},
	}
	return &URLExtractor{items: items, queue: queue, client: client, opts: opts, log: logging.OrNop(logger)}
}

// Handle implements Handler.
func (h *URLExtractor) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload models.ExtractURLPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	item, err := loadItem(ctx, h.items, payload.ItemID)
	if err != nil {
		return nil, err
	}
	target := payload.URL
	if target == "" {
		target = item.URL
	}
	if h.opts.IsBlocked(target) {
		return nil, Permanent(errURLNotAllowed)
	}

	doc, err := h.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, errors.New("No text could be extracted")
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

func (h *URLExtractor) fetch(ctx context.Context, target string) (extract.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return extract.Document{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", "citestack/1.0 (+capture)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, errURLNotAllowed) {
			return extract.Document{}, Permanent(errURLNotAllowed)
		}
		return extract.Document{}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("fetch page: status %d", resp.StatusCode)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return extract.Document{}, Permanent(err)
		}
		return extract.Document{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.opts.MaxBytes+1))
	if err != nil {
		return extract.Document{}, fmt.Errorf("read page: %w", err)
	}
	if int64(len(body)) > h.opts.MaxBytes {
		return extract.Document{}, Permanent(fmt.Errorf("page too large (>%d bytes)", h.opts.MaxBytes))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return extract.FromHTML(bytes.NewReader(body), resp.Request.URL.String())
	case strings.HasPrefix(mediaType, "text/"):
		return extract.FromFile(body, "text/plain")
	default:
		return extract.Document{}, Permanent(fmt.Errorf("unsupported content type %q", mediaType))
	}
}
