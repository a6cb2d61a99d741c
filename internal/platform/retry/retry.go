package retry

import (
	"context"
	"errors"
	"time"
)

// Policy retries a call with capped exponential backoff.
type Policy struct {
	Attempts  int
	Initial   time.Duration
	Max       time.Duration
	Retryable func(error) bool
	Sleep     func(context.Context, time.Duration) error
}

var Default = Policy{
	Attempts: 3,
	Initial:  50 * time.Millisecond,
	Max:      time.Second,
}

// None runs the call exactly once.
var None = Policy{Attempts: 1}

// Do calls fn until it succeeds, the error is not retryable, attempts run out
// or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if sleepErr := sleep(ctx, p.backoff(attempt)); sleepErr != nil {
				return err
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
	}
	return err
}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.Initial
	if d <= 0 {
		d = 50 * time.Millisecond
	}
	d = d * time.Duration(1<<(attempt-1))
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
