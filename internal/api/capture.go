package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"citestack/internal/credits"
	"citestack/internal/idempotency"
	"citestack/internal/models"
	"citestack/internal/store"
	"citestack/internal/telemetry"
	"citestack/internal/urlutil"
)

type pasteRequest struct {
	Text  string `json:"text" validate:"required,max=200000"`
	Title string `json:"title" validate:"max=500"`
}

type urlRequest struct {
	URL   string `json:"url" validate:"required,max=2048"`
	Title string `json:"title" validate:"max=500"`
}

type captureResponse struct {
	ItemID   string  `json:"itemId"`
	JobID    *string `json:"jobId"`
	Existing bool    `json:"existing,omitempty"`
}

// reply is a response computed by a cached handler body.
type reply struct {
	status int
	body   any
}

func fail(status int, kind, msg string) reply {
	return reply{status: status, body: errorBody{Error: kind, Message: msg}}
}

func shortfall(short *credits.InsufficientError) reply {
	return reply{status: http.StatusPaymentRequired, body: insufficientBody{
		Error:    "insufficient_credits",
		Message:  short.Message(),
		Required: short.Required,
		Balance:  short.Balance,
	}}
}

func fingerprint(method, path string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(method + " " + path))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// idempotent replays a cached response for (user, key) or runs fn, caching its
// 2xx outcome. The cache is consulted before the rate limiter so replays are free.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, userID, key, fp string, fn func(ctx context.Context) reply) {
	ctx := r.Context()
	cached, err := s.cache.Get(ctx, userID, key)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("idempotency lookup failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not process request")
		return
	}
	if cached != nil {
		telemetry.IdempotentReplays.Inc()
		w.Header().Set("Idempotent-Replayed", "true")
		writeRaw(w, cached.Status, cached.Body)
		return
	}
	if !s.allow(w, r, userID) {
		return
	}

	out := fn(ctx)
	raw := encode(out.body)
	if out.status >= 200 && out.status < 300 {
		if err := s.cache.Put(ctx, userID, key, idempotency.Response{Status: out.status, Body: raw}, fp); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("idempotency write failed")
		}
	}
	writeRaw(w, out.status, raw)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), "capture:"+userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("rate limiter failed")
		writeError(w, http.StatusInternalServerError, "internal", "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
		return false
	}
	return true
}

func requestKey(r *http.Request, userID string, parts ...string) string {
	if key, ok := idempotency.SanitizeKey(r.Header.Get("Idempotency-Key")); ok {
		return key
	}
	return idempotency.DeriveKey(userID, append([]string{r.URL.Path}, parts...)...)
}

func (s *Server) handleCapturePaste(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	var req pasteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	key := requestKey(r, userID, req.Text, req.Title)
	s.idempotent(w, r, userID, key, fingerprint(r.Method, r.URL.Path, req.Text, req.Title), func(ctx context.Context) reply {
		cost, _ := credits.EnrichCost(credits.ModeFull)
		if out, ok := s.requireCredits(ctx, userID, cost); !ok {
			return out
		}
		item, err := s.store.CreateItem(ctx, models.NewItem{
			UserID:     userID,
			SourceType: models.SourcePaste,
			Title:      req.Title,
			RawText:    req.Text,
		})
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("create paste item failed")
			return fail(http.StatusInternalServerError, "internal", "Could not save item")
		}
		res, err := s.enqueuer.EnqueueEnrich(ctx, userID, item.ID, credits.ModeFull, false)
		var short *credits.InsufficientError
		if errors.As(err, &short) {
			return shortfall(short)
		}
		if err != nil {
			s.log.Error().Err(err).Str("item_id", item.ID).Msg("enqueue enrich failed")
			return fail(http.StatusInternalServerError, "internal", "Could not queue enrichment")
		}
		return reply{status: http.StatusCreated, body: captureResponse{ItemID: item.ID, JobID: jobRef(res.JobID)}}
	})
}

func (s *Server) handleCaptureURL(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	var req urlRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	raw := strings.TrimSpace(req.URL)
	canonical, ok := urlutil.Canonicalize(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_url", "URL must be an absolute http(s) URL")
		return
	}
	if urlutil.IsBlocked(raw) {
		writeError(w, http.StatusBadRequest, "url_not_allowed", "URL not allowed")
		return
	}
	req.Title = strings.TrimSpace(req.Title)

	key := requestKey(r, userID, raw, req.Title)
	s.idempotent(w, r, userID, key, fingerprint(r.Method, r.URL.Path, raw, req.Title), func(ctx context.Context) reply {
		existing, err := s.store.FindItemByCanonicalURL(ctx, userID, canonical)
		switch {
		case err == nil:
			return reply{status: http.StatusOK, body: captureResponse{ItemID: existing.ID, Existing: true}}
		case !errors.Is(err, store.ErrNotFound):
			s.log.Error().Err(err).Str("user_id", userID).Msg("canonical url lookup failed")
			return fail(http.StatusInternalServerError, "internal", "Could not save item")
		}

		item, err := s.store.CreateItem(ctx, models.NewItem{
			UserID:       userID,
			SourceType:   models.SourceURL,
			URL:          raw,
			CanonicalURL: canonical,
			Title:        req.Title,
		})
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("create url item failed")
			return fail(http.StatusInternalServerError, "internal", "Could not save item")
		}
		res, err := s.enqueuer.EnqueueExtractURL(ctx, userID, item.ID, raw, false)
		if err != nil {
			s.log.Error().Err(err).Str("item_id", item.ID).Msg("enqueue extract failed")
			return fail(http.StatusInternalServerError, "internal", "Could not queue extraction")
		}
		if _, err := s.enqueuer.EnqueueScreenshot(ctx, userID, item.ID, raw); err != nil {
			s.log.Warn().Err(err).Str("item_id", item.ID).Msg("enqueue screenshot failed")
		}
		return reply{status: http.StatusCreated, body: captureResponse{ItemID: item.ID, JobID: jobRef(res.JobID)}}
	})
}

// requireCredits turns a balance check into a 402 or 500 reply.
func (s *Server) requireCredits(ctx context.Context, userID string, amount int) (reply, bool) {
	err := s.ledger.Require(ctx, userID, amount)
	if err == nil {
		return reply{}, true
	}
	var short *credits.InsufficientError
	if errors.As(err, &short) {
		return shortfall(short), false
	}
	s.log.Error().Err(err).Str("user_id", userID).Msg("balance check failed")
	return fail(http.StatusInternalServerError, "internal", "Could not check credits"), false
}

func jobRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
