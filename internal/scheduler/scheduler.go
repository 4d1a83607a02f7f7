package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultMaxAttempts = 5
)

type Options struct {
	// Notifier, when set, replaces the engine's notification sink.
	Notifier    dispatch.Notifier
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

type state int

const (
	stateStopped state = iota
	stateRunning
)

// Scheduler drives the engine on a fixed interval from a single goroutine.
// Construct one per process; Start and Stop are safe to call repeatedly.
type Scheduler struct {
	engine      *Engine
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	// cycle is held by whoever is running cycles, so ticks and RunOnce
	// never overlap within the process.
	cycle chan struct{}

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	done   chan struct{}
}

func New(engine *Engine, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Notifier != nil {
		engine.Notifier = opts.Notifier
	}
	return &Scheduler{
		engine:      engine,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		logger:      logging.Component(opts.Logger, "scheduler"),
		cycle:       make(chan struct{}, 1),
	}
}

// Start runs a tick right away and then one per interval in the background.
// It returns immediately and is a no-op while already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = stateRunning
	s.logger.Info("scheduler started", "interval", s.interval.String(), "max_attempts", s.maxAttempts)
	go s.loop(ctx, s.done)
}

// Stop cancels the timer and waits for an in-flight tick to return. A Start
// issued meanwhile blocks until the old loop has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStopped {
		return
	}
	s.cancel()
	<-s.done
	s.state = stateStopped
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs up to maxAttempts cycles back to back. It stops as soon as a
// cycle finds no trip or no driver, or fails.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.acquire(ctx) {
		return
	}
	defer s.release()
	observability.TicksTotal.Inc()
	for i := 0; i < s.maxAttempts; i++ {
		if ctx.Err() != nil {
			return
		}
		res, err := s.safeCycle(ctx)
		if err != nil {
			s.logger.Error("dispatch cycle failed", "attempt", i+1, "trip_id", res.TripID, "error", err)
			return
		}
		if !res.Continue() {
			return
		}
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.TickPanics.Inc()
			res = Result{Outcome: OutcomeError}
			err = fmt.Errorf("panic in dispatch cycle: %v", r)
		}
	}()
	return s.engine.RunCycle(ctx)
}

// RunOnce runs a single cycle outside the timer, with the same panic guard
// the ticks use. It waits for an in-flight tick to finish first.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if !s.acquire(ctx) {
		return Result{Outcome: OutcomeError}, ctx.Err()
	}
	defer s.release()
	return s.safeCycle(ctx)
}

func (s *Scheduler) acquire(ctx context.Context) bool {
	select {
	case s.cycle <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release() { <-s.cycle }
