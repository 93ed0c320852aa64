package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes an exponential retry schedule. Zero fields take defaults.
type Backoff struct {
	MaxTries int
	Initial  time.Duration
	Max      time.Duration
	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxTries <= 0 {
		b.MaxTries = 1
	}
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// Delay returns the wait before attempt n+1, where n counts from zero.
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	d := b.Initial
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	d = min(d, b.Max)
	if b.Jitter > 0 {
		spread := time.Duration(float64(d) * b.Jitter)
		d = d - spread + time.Duration(rand.Int64N(int64(spread)*2+1))
	}
	return d
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so the retry helpers return it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func stopRetrying(err error) bool {
	return IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
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

// RetryWithBackoff calls fn until it succeeds, returns a permanent or context error,
// or b.MaxTries attempts are used. The last error is returned.
func RetryWithBackoff(ctx context.Context, b Backoff, fn func(context.Context) error) error {
	b = b.withDefaults()
	var lastErr error
	for attempt := 0; attempt < b.MaxTries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if stopRetrying(err) {
			return err
		}
		lastErr = err
		if attempt == b.MaxTries-1 {
			break
		}
		if err := sleep(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// RetryValueWithBackoff is RetryWithBackoff for functions that return a value.
func RetryValueWithBackoff[T any](ctx context.Context, b Backoff, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := RetryWithBackoff(ctx, b, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
