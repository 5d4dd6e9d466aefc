package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickFunc runs once per interval. Returning true ends the schedule from
// inside the loop, without a Stop call.
type TickFunc func(ctx context.Context) (done bool)

// Scheduler runs a TickFunc on a fixed interval. The first tick fires one
// interval after Start.
type Scheduler struct {
	interval time.Duration
	tickFn   TickFunc
	log      *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tickFn TickFunc, log *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		log:      log,
		done:     done,
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.running.Store(true)

	go func() {
		defer close(done)
		defer cancel()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Debug("scheduler started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ctx.Done():
				s.log.Debug("scheduler stopping")
				return
			case <-ticker.C:
				if s.safeTick(ctx) {
					s.running.Store(false)
					s.log.Debug("scheduler finished")
					return
				}
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Debug("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Done is closed when the current run ends, by Stop or by a finishing tick.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) safeTick(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", zap.Any("panic", r))
			done = false
		}
	}()

	start := time.Now()
	done = s.tickFn(ctx)
	s.log.Debug("scheduler tick completed", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return done
}
