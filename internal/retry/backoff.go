// Package retry paces outbound work done on behalf of endpoints: target
// dials for tunnel streams and gateway reconnects for the publish
// forward.  Backoff spaces attempts out; Breakers stop hammering a
// target that keeps refusing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError stops a Backoff loop.  Do returns the wrapped error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff retries an operation with exponentially growing waits.  The
// zero value retries forever, waiting 1s, 2s, 4s ... up to 60s.
type Backoff struct {
	InitialDelay time.Duration // first wait (default 1s)
	MaxDelay     time.Duration // cap on any wait (default 60s)
	Multiplier   float64       // growth per attempt (default 2)
	MaxAttempts  int           // tries including the first; 0 = unlimited
	Jitter       bool          // spread each wait by ±25%

	// OnRetry runs before each wait with the failed attempt, its error
	// and the wait about to start.  It is not called after the last
	// attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DialBackoff is for tunnel target dials: a few quick tries so the
// endpoint waiting on TunnelOpen gets an answer within seconds.
func DialBackoff(attempts int) *Backoff {
	return &Backoff{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  attempts,
		Jitter:       true,
	}
}

// ReconnectBackoff is for the publish gateway: it never gives up, and
// backs off to a minute between tries.
func ReconnectBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Jitter:       true,
	}
}

// Do calls fn until it returns nil, returns a Permanent error, runs
// out of attempts, or ctx ends during a wait.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay, growth, ceiling := b.params()

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return errors.Unwrap(err)
		case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = jitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		if !sleep(ctx, wait) {
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		}

		delay = min(time.Duration(float64(delay)*growth), ceiling)
	}
}

func (b *Backoff) params() (delay time.Duration, growth float64, ceiling time.Duration) {
	delay, growth, ceiling = b.InitialDelay, b.Multiplier, b.MaxDelay
	if delay <= 0 {
		delay = time.Second
	}
	if growth <= 1 {
		growth = 2
	}
	if ceiling <= 0 {
		ceiling = time.Minute
	}
	return delay, growth, ceiling
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jitter returns d moved by up to a quarter either way, never below 1ms.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) / 4
	j := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	return max(j, time.Millisecond)
}
