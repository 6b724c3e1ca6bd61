package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is one unit of periodic work.
type TaskFunc func(ctx context.Context)

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	wake     <-chan struct{}
}

// Scheduler runs registered tasks on their intervals until stopped.
// Each task runs on its own goroutine; a task never overlaps itself
// because tick and wake signals are serviced by that single goroutine.
type Scheduler struct {
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []*task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Scheduler over the given clock.
func New(clock Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{clock: clock, logger: logger}
}

// Every registers a named task to run at the given interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	s.register(&task{name: name, interval: interval, fn: fn})
}

// EveryWake registers a task that also runs when the wake channel signals,
// so an idle component can request an immediate pass instead of waiting
// out the interval.
func (s *Scheduler) EveryWake(name string, interval time.Duration, wake <-chan struct{}, fn TaskFunc) {
	s.register(&task{name: name, interval: interval, fn: fn, wake: wake})
}

func (s *Scheduler) register(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("sched: task registered after Start")
	}
	s.tasks = append(s.tasks, t)
}

// Start launches all registered tasks. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, t)
	}

	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("task stopped", zap.String("task", t.name))
			return
		case <-ticker.Chan():
			t.fn(ctx)
		case <-t.wake:
			t.fn(ctx)
		}
	}
}

// Stop cancels all tasks and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
