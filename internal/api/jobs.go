package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"citestack/internal/store"
	"citestack/internal/worker"
)

// runJobsTimeout bounds a batch started over HTTP. The batch does not follow the
// request context, so a caller that gives up does not abort claimed jobs.
const runJobsTimeout = 15 * time.Minute

type runResponse struct {
	worker.BatchResult
	Message string `json:"message,omitempty"`
}

func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	limit := worker.DefaultBatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), runJobsTimeout)
	defer cancel()
	res, err := s.runner.RunBatch(ctx, worker.ClampLimit(limit))
	if err != nil {
		s.log.Error().Err(err).Msg("run batch failed")
		writeError(w, http.StatusInternalServerError, "internal", "Job run failed")
		return
	}
	out := runResponse{BatchResult: res}
	if res.Claimed == 0 {
		out.Message = "No queued jobs"
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.UserID != userID) {
		writeError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("load job failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
