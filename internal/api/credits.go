package api

import (
	"math"
	"net/http"
	"strings"
	"time"

	"citestack/internal/models"
)

const ledgerPageSize = 50

type creditsResponse struct {
	Balance      int                  `json:"balance"`
	ResetAt      time.Time            `json:"resetAt"`
	MonthlyGrant int                  `json:"monthlyGrant"`
	Plan         string               `json:"plan"`
	Ledger       []models.LedgerEntry `json:"ledger"`
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	bal, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("load balance failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not load credits")
		return
	}
	entries, err := s.ledger.Entries(r.Context(), userID, ledgerPageSize)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("load ledger failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not load credits")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, creditsResponse{
		Balance:      bal.Balance,
		ResetAt:      bal.ResetAt,
		MonthlyGrant: bal.MonthlyGrant,
		Plan:         bal.Plan,
		Ledger:       entries,
	})
}

type grantRequest struct {
	UserID string  `json:"userId" validate:"required"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	userID := strings.TrimSpace(req.UserID)
	amount := int(math.Floor(req.Amount))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}
	if amount < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount must be a positive number")
		return
	}
	if err := s.ledger.GrantAdmin(r.Context(), userID, amount); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Int("amount", amount).Msg("admin grant failed")
		writeError(w, http.StatusInternalServerError, "internal", "Could not grant credits")
		return
	}
	s.log.Info().Str("user_id", userID).Int("amount", amount).Msg("admin credits granted")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "granted": amount})
}
