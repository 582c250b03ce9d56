package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"citestack/internal/logging"
)

// Batcher runs one batch of queued jobs.
type Batcher interface {
	RunBatch(ctx context.Context, limit int) (BatchResult, error)
}

// Sweeper applies due monthly grants.
type Sweeper interface {
	SweepMonthly(ctx context.Context, limit int) (int, error)
}

// Waker blocks until a job was enqueued or the timeout passed.
type Waker interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// SchedulerOptions configures cron specs and batch sizes.
type SchedulerOptions struct {
	RunnerSchedule string
	SweepSchedule  string
	BatchSize      int
	SweepBatch     int
	WaitTimeout    time.Duration
	// maximum consecutive full batches run per trigger
	MaxDrain int
}

// Scheduler drives the runner from a cron schedule and from enqueue wakeups, and
// sweeps monthly grants. Batches started by one scheduler never overlap.
type Scheduler struct {
	runner  Batcher
	sweeper Sweeper
	waker   Waker
	opts    SchedulerOptions
	busy    sync.Mutex
	pending atomic.Bool
	log     *log.Logger
}

// NewScheduler wires a scheduler; sweeper and waker may be nil.
func NewScheduler(runner Batcher, sweeper Sweeper, waker Waker, opts SchedulerOptions, logger *log.Logger) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchLimit
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.MaxDrain <= 0 {
		opts.MaxDrain = 10
	}
	return &Scheduler{runner: runner, sweeper: sweeper, waker: waker, opts: opts, log: logging.OrNop(logger)}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if s.opts.RunnerSchedule != "" {
		if _, err := c.AddFunc(s.opts.RunnerSchedule, func() { s.Trigger(ctx) }); err != nil {
			return fmt.Errorf("runner schedule %q: %w", s.opts.RunnerSchedule, err)
		}
	}
	if s.sweeper != nil && s.opts.SweepSchedule != "" {
		if _, err := c.AddFunc(s.opts.SweepSchedule, func() { s.Sweep(ctx) }); err != nil {
			return fmt.Errorf("grant sweep schedule %q: %w", s.opts.SweepSchedule, err)
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.log.Info().Str("runner_schedule", s.opts.RunnerSchedule).Str("sweep_schedule", s.opts.SweepSchedule).Msg("scheduler started")
	if s.waker == nil {
		<-ctx.Done()
		return nil
	}
	for ctx.Err() == nil {
		woke, err := s.waker.Wait(ctx, s.opts.WaitTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Warn().Err(err).Msg("wakeup wait failed")
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if woke {
			s.Trigger(ctx)
		}
	}
	return nil
}

// Trigger runs batches until the queue looks drained. A trigger that arrives while
// another one is running returns at once and leaves a pending mark, so the running
// trigger drains again before it exits.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.pending.Store(true)
	for s.pending.Load() && ctx.Err() == nil {
		if !s.busy.TryLock() {
			return
		}
		s.pending.Store(false)
		s.drain(ctx)
		s.busy.Unlock()
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for i := 0; i < s.opts.MaxDrain && ctx.Err() == nil; i++ {
		res, err := s.runner.RunBatch(ctx, s.opts.BatchSize)
		if err != nil {
			s.log.Error().Err(err).Msg("run batch failed")
			return
		}
		if res.Claimed > 0 {
			s.log.Info().Int("claimed", res.Claimed).Int("processed", res.Processed).Msg("batch finished")
		}
		if res.Claimed < ClampLimit(s.opts.BatchSize) {
			return
		}
	}
}

// Sweep applies due monthly grants once.
func (s *Scheduler) Sweep(ctx context.Context) {
	n, err := s.sweeper.SweepMonthly(ctx, s.opts.SweepBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("monthly grant sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("granted", n).Msg("monthly grant sweep finished")
	}
}
