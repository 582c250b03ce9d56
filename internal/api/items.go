package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"citestack/internal/credits"
	"citestack/internal/models"
	"citestack/internal/store"
	"citestack/internal/worker"
)

type enqueueResponse struct {
	Message string  `json:"message"`
	JobID   *string `json:"jobId"`
}

// ownedItem loads the item in the path and answers 404 when it belongs to someone else.
func (s *Server) ownedItem(w http.ResponseWriter, r *http.Request) (models.Item, bool) {
	userID := userFrom(r.Context())
	item, err := s.store.GetItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && item.UserID != userID) {
		writeError(w, http.StatusNotFound, "not_found", "Item not found")
		return models.Item{}, false
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("load item failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not load item")
		return models.Item{}, false
	}
	return item, true
}

func (s *Server) handleReEnrich(w http.ResponseWriter, r *http.Request) {
	mode := strings.TrimSpace(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = credits.ModeFull
	}
	if !credits.ValidMode(mode) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unknown enrichment mode")
		return
	}
	item, ok := s.ownedItem(w, r)
	if !ok {
		return
	}
	if err := s.store.ClearItemError(r.Context(), item.ID); err != nil {
		s.log.Error().Err(err).Str("item_id", item.ID).Msg("clear item error failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not update item")
		return
	}
	res, err := s.enqueuer.EnqueueEnrich(r.Context(), item.UserID, item.ID, mode, true)
	s.enqueued(w, item, res, err, "Re-enrich enqueued")
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1"
	item, ok := s.ownedItem(w, r)
	if !ok {
		return
	}

	switch {
	case item.SourceType == models.SourceURL && item.URL == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "Item has no URL")
		return
	case item.SourceType == models.SourceFile && item.FilePath == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "Item has no file path")
		return
	}
	ctx := r.Context()
	if err := s.store.ClearItemError(ctx, item.ID); err != nil {
		s.log.Error().Err(err).Str("item_id", item.ID).Msg("clear item error failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not update item")
		return
	}

	var (
		res worker.EnqueueResult
		err error
	)
	switch item.SourceType {
	case models.SourceURL:
		res, err = s.enqueuer.EnqueueExtractURL(ctx, item.UserID, item.ID, item.URL, force)
	case models.SourceFile:
		res, err = s.enqueuer.EnqueueExtractFile(ctx, item.UserID, item.ID, item.FilePath, item.MimeType, force)
	default:
		res, err = s.enqueuer.EnqueueEnrich(ctx, item.UserID, item.ID, credits.ModeFull, force)
	}
	s.enqueued(w, item, res, err, "Retry enqueued")
}

// enqueued writes the outcome of an item-level enqueue.
func (s *Server) enqueued(w http.ResponseWriter, item models.Item, res worker.EnqueueResult, err error, msg string) {
	var short *credits.InsufficientError
	switch {
	case errors.As(err, &short):
		writeJSON(w, http.StatusPaymentRequired, shortfall(short).body)
	case err != nil:
		s.log.Error().Err(err).Str("item_id", item.ID).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not queue job")
	case res.Existing:
		writeJSON(w, http.StatusOK, enqueueResponse{Message: "A job for this item is already queued or running"})
	default:
		writeJSON(w, http.StatusOK, enqueueResponse{Message: msg, JobID: jobRef(res.JobID)})
	}
}
