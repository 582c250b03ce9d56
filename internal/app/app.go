// Package app assembles the store, ledger, runner and HTTP server shared by both binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"citestack/internal/api"
	"citestack/internal/billing"
	"citestack/internal/blob"
	"citestack/internal/config"
	"citestack/internal/credits"
	"citestack/internal/idempotency"
	"citestack/internal/llm"
	"citestack/internal/logging"
	"citestack/internal/queue"
	"citestack/internal/ratelimit"
	"citestack/internal/store"
	"citestack/internal/worker"
)

// Backend is everything the services persist.
type Backend interface {
	api.Store
	worker.JobStore
	worker.ItemStore
	credits.Store
	idempotency.Store
	billing.Accounts
}

// App holds the wired services.
type App struct {
	Config   config.Config
	Log      *log.Logger
	Store    Backend
	Redis    *redis.Client
	Wakeup   *queue.Wakeup
	Ledger   *credits.Ledger
	Enqueuer *worker.Enqueuer
	Runner   *worker.Runner
	Cache    *idempotency.Cache
	Limiter  *ratelimit.TokenBucket
	Billing  *billing.Processor

	closers []func()
}

// Build opens the configured store, Redis and blob storage and wires every service.
func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{Config: cfg, Log: logger}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = st

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		a.Wakeup = queue.NewWakeup(a.Redis, cfg.WakeupKey)
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, "rl:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		logger.Warn().Msg("REDIS_ADDR is empty: wakeups and rate limiting are disabled")
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	a.Ledger = credits.NewLedger(st, cfg.FreeMonthlyGrant, logger)
	var notifier worker.Notifier
	if a.Wakeup != nil {
		notifier = a.Wakeup
	}
	a.Enqueuer = worker.NewEnqueuer(st, a.Ledger, notifier, logger)
	a.Cache = idempotency.NewCache(st)

	summarizer := llm.NewSummarizer(llm.Options{
		APIKey:    cfg.AnthropicAPIKey,
		Model:     cfg.AnthropicModel,
		MaxTokens: cfg.LLMMaxTokens,
		Timeout:   cfg.LLMTimeout,
	})
	handlers := worker.Handlers{
		ExtractURL: worker.NewURLExtractor(st, a.Enqueuer, worker.FetchOptions{
			Timeout:  cfg.FetchTimeout,
			MaxBytes: cfg.FetchMaxBytes,
		}, logger).Handle,
		ExtractFile: worker.NewFileExtractor(st, a.Enqueuer, blobs, cfg.FileMaxBytes, logger).Handle,
		EnrichItem:  worker.NewEnricher(st, summarizer, logger).Handle,
		ScreenshotURL: worker.NewScreenshotter(st, blobs, worker.ScreenshotOptions{
			APIURL:  cfg.ScreenshotAPIURL,
			Timeout: cfg.ScreenshotTimeout,
			RPS:     cfg.ScreenshotRPS,
			Width:   cfg.ThumbnailWidth,
		}, logger).Handle,
	}
	a.Runner = worker.NewRunner(st, a.Ledger, handlers, worker.RunnerOptions{
		StuckAfter:  cfg.StuckJobAfter,
		JobTimeout:  cfg.JobTimeout,
		Concurrency: cfg.RunnerConcurrency,
	}, logger)

	a.Billing = billing.NewProcessor(cfg.StripeWebhookSecret, billing.NewStripeClient(cfg.StripeSecretKey),
		st, a.Ledger, billing.NewCatalog(cfg), logger)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (Backend, error) {
	switch a.Config.StoreDriver {
	case "memory":
		a.Log.Warn().Msg("using the in-memory store: data is lost on exit and not shared between processes")
		return store.NewMemory(), nil
	case "postgres":
		st, err := store.New(ctx, a.Config.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", a.Config.StoreDriver)
	}
}

// Server returns the HTTP API over the wired services.
func (a *App) Server() *api.Server {
	deps := api.Deps{
		Store:    a.Store,
		Ledger:   a.Ledger,
		Enqueuer: a.Enqueuer,
		Runner:   a.Runner,
		Cache:    a.Cache,
		Billing:  a.Billing,
		Logger:   a.Log,
	}
	if a.Limiter != nil {
		deps.Limiter = a.Limiter
	}
	return api.New(a.Config, deps)
}

// Scheduler returns the background driver of the runner and the grant sweep.
func (a *App) Scheduler() *worker.Scheduler {
	var waker worker.Waker
	if a.Wakeup != nil {
		waker = a.Wakeup
	}
	return worker.NewScheduler(a.Runner, a.Ledger, waker, worker.SchedulerOptions{
		RunnerSchedule: a.Config.RunnerSchedule,
		SweepSchedule:  a.Config.GrantSweepSchedule,
		BatchSize:      a.Config.RunnerBatchSize,
		SweepBatch:     a.Config.GrantSweepBatch,
	}, a.Log)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
