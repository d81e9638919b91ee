package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Policy wraps an operation with bounded exponential-backoff retry.
// Only errors accepted by Retryable are retried; everything else
// propagates immediately.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt,
	// so an operation runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay is the delay before the first retry. The delay before
	// retry n is BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// Jitter multiplies each delay by a uniform random factor in
	// [0.5, 1.5) to spread retries from concurrent workers.
	Jitter bool

	// Retryable decides whether an error is worth retrying.
	// A nil predicate retries every error.
	Retryable func(error) bool

	// OnRetry is called before each retry with the upcoming attempt
	// number (1-based) and the error that triggered it. Defaults to a
	// slog warning.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ExhaustedError marks an error that survived every retry attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Delay returns the backoff delay before retry n (n >= 1). Both the
// blocking and the context-aware variants share this arithmetic.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay * (1 << (n - 1))
	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

func (p Policy) notify(attempt int, delay time.Duration, err error) {
	if p.OnRetry != nil {
		p.OnRetry(attempt, delay, err)
		return
	}
	slog.Warn("retrying operation",
		"attempt", attempt,
		"max_retries", p.MaxRetries,
		"delay", delay,
		"error", err)
}

// Do runs op, sleeping between attempts. It blocks the calling
// goroutine during backoff; use DoCtx when cancellation matters.
func (p Policy) Do(op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			d := p.Delay(attempt)
			p.notify(attempt, d, lastErr)
			time.Sleep(d)
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
	}
	return &ExhaustedError{Attempts: p.MaxRetries + 1, Err: lastErr}
}

// DoCtx runs op with the same backoff schedule as Do, but waits on a
// timer so the backoff is interruptible by ctx. Cancellation during
// backoff returns ctx.Err(); op itself receives ctx and is expected to
// honor it.
func (p Policy) DoCtx(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			d := p.Delay(attempt)
			p.notify(attempt, d, lastErr)
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
	}
	return &ExhaustedError{Attempts: p.MaxRetries + 1, Err: lastErr}
}
