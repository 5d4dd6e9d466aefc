package registration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FollowUps runs the delayed post-registration sends. Implementations that
// run task before returning report its error; deferred ones return nil and
// the task deals with its own failure.
type FollowUps interface {
	Schedule(ctx context.Context, delay time.Duration, task func(ctx context.Context) error) error
}

// InlineFollowUps ignores the delay and runs the task right away.
type InlineFollowUps struct{}

func (InlineFollowUps) Schedule(ctx context.Context, _ time.Duration, task func(ctx context.Context) error) error {
	return task(ctx)
}

// TimerFollowUps runs each task on its own timer, detached from the caller's
// cancellation.
type TimerFollowUps struct {
	log *zap.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	timers  map[*time.Timer]func()
}

func NewTimerFollowUps(log *zap.Logger) *TimerFollowUps {
	if log == nil {
		log = zap.NewNop()
	}
	return &TimerFollowUps{log: log, timers: make(map[*time.Timer]func())}
}

func (f *TimerFollowUps) Schedule(ctx context.Context, delay time.Duration, task func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		f.log.Warn("follow-up dropped after shutdown")
		return nil
	}

	detached := context.WithoutCancel(ctx)
	var t *time.Timer
	run := func() {
		defer f.wg.Done()
		f.mu.Lock()
		delete(f.timers, t)
		f.mu.Unlock()

		if err := task(detached); err != nil {
			f.log.Warn("follow-up failed", zap.Error(err))
		}
	}

	f.wg.Add(1)
	t = time.AfterFunc(delay, run)
	f.timers[t] = run
	return nil
}

// Shutdown runs the tasks still waiting on their timer right away and
// blocks until every task has finished.
func (f *TimerFollowUps) Shutdown() {
	f.mu.Lock()
	f.stopped = true
	var early []func()
	for t, run := range f.timers {
		if t.Stop() {
			early = append(early, run)
		}
	}
	f.mu.Unlock()

	for _, run := range early {
		go run()
	}
	f.wg.Wait()
}
