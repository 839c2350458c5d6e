// Package resilience retries datastore work that failed for a transient
// reason: lost connections, deadlocks between concurrent builds and
// serialization failures.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAttempts = 3
	defaultWait     = 500 * time.Millisecond
	defaultMaxWait  = 30 * time.Second
	defaultGrowth   = 2.0
)

// Policy says how often and how patiently a build job or datastore call is
// retried. Zero fields take the defaults.
type Policy struct {
	// Attempts counts every try, the first included. 1 disables retries.
	Attempts int
	// Wait is the pause before the first retry. Later pauses grow by Growth
	// up to MaxWait.
	Wait    time.Duration
	MaxWait time.Duration
	Growth  float64
	// Jitter spreads each pause by up to this fraction either way so that
	// jobs that deadlocked together do not retry together.
	Jitter float64

	// Retryable decides which errors are retried. IsTransient when nil.
	Retryable func(err error) bool
	// OnRetry runs before each pause with the number of the failed attempt.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is used for the datastore ping and build jobs.
func DefaultPolicy() Policy {
	return Policy{Jitter: 0.25}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.Wait <= 0 {
		p.Wait = defaultWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = defaultMaxWait
	}
	if p.Growth <= 0 {
		p.Growth = defaultGrowth
	}
	p.Jitter = max(p.Jitter, 0)
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// pause is the wait after failed attempt n (0-based).
func (p Policy) pause(n int) time.Duration {
	d := math.Min(float64(p.Wait)*math.Pow(p.Growth, float64(n)), float64(p.MaxWait))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	return time.Duration(max(d, 0))
}

// Do runs fn until it succeeds, fails for a reason p does not retry, runs
// out of attempts or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for work that produces a value, such as a job's Outcome.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt == p.Attempts || ctx.Err() != nil || !p.Retryable(err) {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.pause(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// LogRetries returns an OnRetry hook that logs the failed attempt of the
// named work at warn level.
func LogRetries(kind, target string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying",
			zap.String("kind", kind),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
