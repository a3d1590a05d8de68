// Package poll waits for remote state that becomes visible asynchronously.
package poll

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
)

// Policy bounds a polling loop.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Backoff multiplies the delay after every attempt; 1 (or 0) keeps it fixed.
	Backoff float64
	// MaxDelay caps a single sleep when non-zero.
	MaxDelay time.Duration
	// Sleep replaces the timer, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is ten attempts one second apart.
var DefaultPolicy = Policy{MaxAttempts: 10, Delay: time.Second, Backoff: 1}

// Check looks at the remote state once. ok=false or a non-nil error mean "not yet".
type Check[T any] func(ctx context.Context) (value T, ok bool, err error)

// DelayBefore returns the sleep preceding attempt n (1-based, n >= 2).
func (p Policy) DelayBefore(n int) time.Duration {
	if n < 2 || p.Delay <= 0 {
		return 0
	}
	factor := p.Backoff
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Delay) * math.Pow(factor, float64(n-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Budget is the total sleeping time of a run that never succeeds.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	for n := 2; n <= p.MaxAttempts; n++ {
		total += p.DelayBefore(n)
	}
	return total
}

// Until runs check until it reports ok, the attempts are spent, or ctx ends.
// The first attempt runs immediately and no sleep follows the last one.
func Until[T any](ctx context.Context, target string, p Policy, check Check[T]) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}
	log := obs.From(ctx).With("pkg", "poll", "target", target)

	var lastErr error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			if err := sleep(ctx, p.DelayBefore(n)); err != nil {
				return zero, errs.Wrap(errs.Timeout, fmt.Sprintf("%s: cancelled after %d attempts", target, n-1), err)
			}
		}

		value, ok, err := check(ctx)
		if err == nil && ok {
			log.Debug("poll_satisfied", "attempt", n)
			return value, nil
		}
		if err != nil {
			lastErr = err
			log.Warn("poll_attempt_failed", "attempt", n, "max_attempts", attempts, "error", err)
		} else {
			log.Debug("poll_not_yet", "attempt", n, "max_attempts", attempts)
		}
	}

	msg := fmt.Sprintf("%s: not observed after %d attempts", target, attempts)
	if lastErr != nil {
		return zero, errs.Wrap(errs.Timeout, msg, lastErr)
	}
	return zero, errs.New(errs.Timeout, msg)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
