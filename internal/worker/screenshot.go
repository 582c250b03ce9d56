package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"citestack/internal/blob"
	"citestack/internal/logging"
	"citestack/internal/models"
	"citestack/internal/telemetry"
	"citestack/internal/urlutil"
)

const maxScreenshotBytes = 10 * 1024 * 1024

// ScreenshotOptions configures the screenshot API client.
type ScreenshotOptions struct {
	APIURL    string
	Timeout   time.Duration
	RPS       float64
	Width     int
	IsBlocked func(string) bool
}

// Screenshotter asks a hosted screenshot API for a page capture and stores a thumbnail.
// API trouble never fails the job; the item is just left without a thumbnail.
type Screenshotter struct {
	items   ItemStore
	blobs   blob.Store
	client  *http.Client
	limiter *rate.Limiter
	opts    ScreenshotOptions
	log     *log.Logger
}

// NewScreenshotter builds the screenshot_url handler.
func NewScreenshotter(items ItemStore, blobs blob.Store, opts ScreenshotOptions, logger *log.Logger) *Screenshotter {
	if opts.APIURL == "" {
		opts.APIURL = "https://api.microlink.io"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Width <= 0 {
		opts.Width = 640
	}
	if opts.IsBlocked == nil {
		opts.IsBlocked = urlutil.IsBlocked
	}
	return &Screenshotter{
		items:   items,
		blobs:   blobs,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), 1),
		opts:    opts,
		log:     logging.OrNop(logger),
	}
}

type screenshotReply struct {
	Status string `json:"status"`
	Data   struct {
		Screenshot struct {
			URL string `json:"url"`
		} `json:"screenshot"`
	} `json:"data"`
}

// Handle implements Handler.
func (h *Screenshotter) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload models.ScreenshotPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	item, err := loadItem(ctx, h.items, payload.ItemID)
	if err != nil {
		return nil, err
	}
	if item.SourceType != models.SourceURL {
		return skipped("not a url item")
	}
	target := strings.TrimSpace(payload.URL)
	if target == "" {
		target = item.URL
	}
	if target == "" {
		return skipped("no url")
	}
	if h.opts.IsBlocked(target) {
		return nil, Permanent(errURLNotAllowed)
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("screenshot rate limit: %w", err)
	}

	shotURL, err := h.capture(ctx, target)
	if err != nil {
		return h.soft(job, "capture", err)
	}
	data, err := h.download(ctx, shotURL)
	if err != nil {
		return h.soft(job, "download", err)
	}
	thumb, err := thumbnail(data, h.opts.Width)
	if err != nil {
		return h.soft(job, "resize", err)
	}

	location, err := h.blobs.Put(ctx, "thumbnails/"+item.ID+".jpg", thumb, "image/jpeg")
	if err != nil {
		return nil, fmt.Errorf("store thumbnail: %w", err)
	}
	if err := h.items.SetItemThumbnail(ctx, item.ID, location); err != nil {
		return nil, fmt.Errorf("set thumbnail: %w", err)
	}
	return resultJSON(map[string]any{"thumbnailUrl": location})
}

func (h *Screenshotter) capture(ctx context.Context, target string) (string, error) {
	endpoint := h.opts.APIURL + "?url=" + url.QueryEscape(target) + "&screenshot=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("screenshot api status %d", resp.StatusCode)
	}
	var reply screenshotReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return "", fmt.Errorf("decode screenshot reply: %w", err)
	}
	shot := strings.TrimSpace(reply.Data.Screenshot.URL)
	if reply.Status != "success" || shot == "" {
		return "", errors.New("screenshot api returned no image")
	}
	return shot, nil
}

func (h *Screenshotter) download(ctx context.Context, src string) ([]byte, error) {
	if h.opts.IsBlocked(src) {
		return nil, errURLNotAllowed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScreenshotBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(body) > maxScreenshotBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", maxScreenshotBytes)
	}
	return body, nil
}

func (h *Screenshotter) soft(job models.Job, stage string, err error) (json.RawMessage, error) {
	telemetry.ScreenshotFailures.Inc()
	h.log.Warn().Err(err).Str("job_id", job.ID).Str("stage", stage).Msg("screenshot skipped")
	return skipped(stage + " failed")
}

// thumbnail scales an image to width, keeping its aspect ratio, and encodes it as JPEG.
func thumbnail(data []byte, width int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func skipped(reason string) (json.RawMessage, error) {
	return resultJSON(map[string]string{"skipped": reason})
}
