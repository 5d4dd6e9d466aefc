package registration

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

// RetryPolicy bounds the OTP send. Between attempts it waits Backoff, plus
// NotReadyBackoff when the gateway reports it is not ready.
type RetryPolicy struct {
	Attempts        int
	Backoff         time.Duration
	NotReadyBackoff time.Duration
	// Sleep defaults to a context aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 3 * time.Second, NotReadyBackoff: 5 * time.Second}
}

// Do runs op until it succeeds, fails permanently or attempts run out.
// ready may be nil.
func (p RetryPolicy) Do(ctx context.Context, ready func(ctx context.Context) bool, op func(ctx context.Context) error) (attempts int, err error) {
	n := max(p.Attempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempts = 1; ; attempts++ {
		err = op(ctx)
		if err == nil || permanent(err) || attempts >= n {
			return attempts, err
		}

		wait := p.Backoff
		if ready != nil && !ready(ctx) {
			wait += p.NotReadyBackoff
		}
		if serr := sleep(ctx, wait); serr != nil {
			return attempts, errors.Join(err, serr)
		}
	}
}

// A recipient without an account will not appear on retry.
func permanent(err error) bool {
	return errors.Is(err, model.ErrRecipientNotRegistered)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
