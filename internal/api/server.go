package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"citestack/internal/config"
	"citestack/internal/credits"
	"citestack/internal/idempotency"
	"citestack/internal/logging"
	"citestack/internal/models"
	"citestack/internal/ratelimit"
	"citestack/internal/telemetry"
	"citestack/internal/worker"
)

// Store is the item and job persistence the HTTP layer reads and writes.
type Store interface {
	CreateItem(ctx context.Context, p models.NewItem) (models.Item, error)
	GetItem(ctx context.Context, id string) (models.Item, error)
	FindItemByCanonicalURL(ctx context.Context, userID, canonical string) (models.Item, error)
	ClearItemError(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Ledger is the credit surface exposed over HTTP.
type Ledger interface {
	Balance(ctx context.Context, userID string) (credits.Balance, error)
	Require(ctx context.Context, userID string, amount int) error
	Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	GrantAdmin(ctx context.Context, userID string, amount int) error
}

// Enqueuer creates background jobs.
type Enqueuer interface {
	EnqueueEnrich(ctx context.Context, userID, itemID, mode string, force bool) (worker.EnqueueResult, error)
	EnqueueExtractURL(ctx context.Context, userID, itemID, url string, force bool) (worker.EnqueueResult, error)
	EnqueueExtractFile(ctx context.Context, userID, itemID, filePath, mimeType string, force bool) (worker.EnqueueResult, error)
	EnqueueScreenshot(ctx context.Context, userID, itemID, url string) (worker.EnqueueResult, error)
}

// BatchRunner runs one batch of queued jobs.
type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (worker.BatchResult, error)
}

// RateLimiter decides whether a caller may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// WebhookProcessor verifies and applies a billing webhook.
type WebhookProcessor interface {
	Handle(ctx context.Context, payload []byte, signature string) error
}

// Deps are the collaborators of the server. Limiter may be nil.
type Deps struct {
	Store    Store
	Ledger   Ledger
	Enqueuer Enqueuer
	Runner   BatchRunner
	Cache    *idempotency.Cache
	Limiter  RateLimiter
	Billing  WebhookProcessor
	Logger   *log.Logger
}

// Server wires HTTP handlers for the capture, credits, admin and billing endpoints.
type Server struct {
	cfg      config.Config
	store    Store
	ledger   Ledger
	enqueuer Enqueuer
	runner   BatchRunner
	cache    *idempotency.Cache
	limiter  RateLimiter
	billing  WebhookProcessor
	validate *validator.Validate
	log      *log.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		enqueuer: deps.Enqueuer,
		runner:   deps.Runner,
		cache:    deps.Cache,
		limiter:  deps.Limiter,
		billing:  deps.Billing,
		validate: newValidator(),
		log:      logging.OrNop(deps.Logger),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/stripe/webhook", s.handleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/jobs/run", s.handleRunJobs)
		r.Post("/jobs/run", s.handleRunJobs)
		r.Post("/admin/credits/grant", s.handleAdminGrant)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/capture/paste", s.handleCapturePaste)
		r.Post("/capture/url", s.handleCaptureURL)
		r.Post("/items/{id}/re-enrich", s.handleReEnrich)
		r.Post("/items/{id}/retry", s.handleRetry)
		r.Get("/credits", s.handleCredits)
		r.Get("/jobs/{id}", s.handleGetJob)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := s.log.Debug()
		if status >= http.StatusInternalServerError {
			entry = s.log.Error()
		}
		entry.Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).
			Str("request_id", middleware.GetReqID(r.Context())).Dur("elapsed", time.Since(start)).Msg("http request")
	})
}
