// Package retry implements bounded exponential backoff shared by the scheduler and the
// outbound clients.
package retry

import (
	"context"
	"math"
	"time"
)

const (
	DefaultBaseDelay = 250 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
	DefaultFactor    = 2.0
)

// Backoff describes a capped exponential curve: Base * Factor^(attempt-1), never above Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// ComputeBackoffDelay returns the delay to wait after the given 1-based attempt.
func ComputeBackoffDelay(attempt int, b Backoff) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = DefaultFactor
	}

	exponent := attempt - 1
	if exponent < 0 {
		exponent = 0
	}

	calculated := float64(b.Base) * math.Pow(factor, float64(exponent))
	if calculated >= float64(b.Max) || math.IsInf(calculated, 1) {
		return b.Max
	}

	return time.Duration(calculated)
}

type RetryInfo struct {
	Err         error
	Attempt     int
	MaxAttempts int
	NextDelay   time.Duration
}

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64

	// ShouldRetry decides whether a failed attempt may be retried. Nil retries everything.
	ShouldRetry func(err error, attempt, maxAttempts int) bool
	OnRetry     func(info RetryInfo)
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) withDefaults() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Factor <= 0 {
		p.Factor = DefaultFactor
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}

	return p
}

// Do runs fn until it succeeds, the attempts are exhausted, ShouldRetry refuses, or ctx ends.
// The last error from fn is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if attempt >= p.Attempts {
			break
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(lastErr, attempt, p.Attempts) {
			break
		}

		delay := ComputeBackoffDelay(attempt, Backoff{Base: p.BaseDelay, Max: p.MaxDelay, Factor: p.Factor})
		if p.OnRetry != nil {
			p.OnRetry(RetryInfo{Err: lastErr, Attempt: attempt, MaxAttempts: p.Attempts, NextDelay: delay})
		}

		if err := p.Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}

		out = v
		return nil
	})

	return out, err
}

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
