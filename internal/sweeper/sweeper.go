// Package sweeper drives the periodic execution and retry passes of the
// action executor. The clock is injectable so the loops can be tested by
// advancing a fake clock instead of sleeping.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/scrivanolabs/scrivano/internal/action"
)

// Ticker is the minimal ticker surface the sweeper consumes.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Clock produces tickers. The system implementation wraps time.NewTicker;
// tests substitute a fake that fires on demand.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) Chan() <-chan time.Time {
	return s.t.C
}

func (s systemTicker) Stop() {
	s.t.Stop()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

// Runner is the executor surface the sweeper drives.
type Runner interface {
	ExecuteBatch(ctx context.Context) (action.BatchResult, error)
	RetrySweep(ctx context.Context,
		maxBatch int) (action.BatchResult, error)
}

// Config tunes the sweeper's two loops.
type Config struct {
	// ExecuteInterval is the poll interval for claiming and executing
	// pending actions.
	ExecuteInterval time.Duration

	// RetryInterval is the poll interval for resetting failed actions.
	RetryInterval time.Duration

	// RetryBatchSize caps failed actions reset per sweep.
	RetryBatchSize int
}

// Sweeper runs the periodic loops until its context is cancelled.
type Sweeper struct {
	cfg    Config
	runner Runner
	clock  Clock

	log *slog.Logger
}

// New creates a Sweeper. A nil clock means the wall clock.
func New(cfg Config, runner Runner, clock Clock,
	log *slog.Logger) *Sweeper {

	if clock == nil {
		clock = SystemClock()
	}

	return &Sweeper{
		cfg:    cfg,
		runner: runner,
		clock:  clock,
		log:    log,
	}
}

// Run blocks until ctx is cancelled, executing a batch pass on every
// execute tick and a retry sweep on every retry tick. Pass failures are
// logged and the loops keep going: a transient store outage should not
// take the daemon down.
func (s *Sweeper) Run(ctx context.Context) error {
	execTicker := s.clock.NewTicker(s.cfg.ExecuteInterval)
	defer execTicker.Stop()

	retryTicker := s.clock.NewTicker(s.cfg.RetryInterval)
	defer retryTicker.Stop()

	s.log.Info("sweeper started",
		"execute_interval", s.cfg.ExecuteInterval,
		"retry_interval", s.cfg.RetryInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return ctx.Err()

		case <-execTicker.Chan():
			res, err := s.runner.ExecuteBatch(ctx)
			if err != nil {
				s.log.Error("execute pass failed", "err", err)
				continue
			}
			if res.Claimed > 0 {
				s.log.Info("execute pass finished",
					"claimed", res.Claimed,
					"completed", res.Completed,
					"failed", res.Failed)
			}

		case <-retryTicker.Chan():
			res, err := s.runner.RetrySweep(
				ctx, s.cfg.RetryBatchSize,
			)
			if err != nil {
				s.log.Error("retry sweep failed", "err", err)
				continue
			}
			if res.Reset > 0 {
				s.log.Info("retry sweep finished",
					"reset", res.Reset,
					"completed", res.Completed,
					"failed", res.Failed)
			}
		}
	}
}
