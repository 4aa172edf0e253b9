package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cycler runs one evaluation cycle. *Session implements it.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Scheduler runs evaluation cycles on a fixed tick.
//
// Cycles run synchronously inside the loop goroutine, so two cycles never
// overlap and ticks that arrive during a slow cycle are dropped. Stop
// cancels the context of the cycle in flight and waits for the loop to exit.
//
// Thread Safety: All public methods are thread-safe.
type Scheduler struct {
	interval time.Duration
	cycler   Cycler

	// mu protects running, stopCh, cancel and done.
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	logger *zap.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the tick period. If not set, defaults to 5 seconds.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// NewScheduler creates a scheduler for cycler. It does not start until
// Start is called.
func NewScheduler(cycler Cycler, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if cycler == nil {
		return nil, fmt.Errorf("cycler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Scheduler{
		interval: 5 * time.Second,
		cycler:   cycler,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the background loop. Starting a running scheduler is an
// error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.cancel = cancel
	s.running = true

	s.logger.Info("evaluation scheduler started", zap.Duration("interval", s.interval))

	go s.run(ctx, s.stopCh, s.done)
	return nil
}

// Stop signals the loop, cancels any cycle in flight and waits for the loop
// to exit. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler stop called but not running")
		return nil
	}
	s.logger.Info("stopping evaluation scheduler")
	s.running = false
	close(s.stopCh)
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.logger.Debug("scheduler goroutine started")
	defer s.logger.Debug("scheduler goroutine stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.safeRunCycle(ctx) {
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			}
		case <-stopCh:
			s.logger.Debug("scheduler received stop signal")
			return
		}
	}
}

// safeRunCycle runs one cycle with panic recovery. It returns false once the
// session has ended and the loop should exit.
func (s *Scheduler) safeRunCycle(ctx context.Context) (keepGoing bool) {
	keepGoing = true
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("evaluation cycle panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if _, err := s.cycler.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrSessionEnded) {
			s.logger.Debug("session ended, scheduler exiting")
			return false
		}
		s.logger.Warn("evaluation cycle failed", zap.Error(err))
	}
	return true
}
