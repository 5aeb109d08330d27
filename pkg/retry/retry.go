// Package retry applies fable's store retry policy: a fixed number of
// sequential attempts with linear backoff (base delay times the attempt
// number). Exhaustion surfaces as a store-unavailable error naming the
// operation. Validation failures and provider calls must not be wrapped
// here; those fail fast by design.
package retry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/errmodel"
)

const (
	// DefaultAttempts matches the store policy of three tries.
	DefaultAttempts = 3
	// DefaultBaseDelay is multiplied by the failed attempt number.
	DefaultBaseDelay = time.Second
)

type config struct {
	attempts  int
	baseDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a retry call.
type Option func(*config)

// WithAttempts overrides the maximum attempt count.
func WithAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBaseDelay overrides the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.baseDelay = d
		}
	}
}

// WithSleep substitutes the waiting function; tests use this to observe
// delays without waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *config) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// Do runs fn up to the configured number of attempts.
func Do(ctx context.Context, op string, fn func(context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// DoValue runs fn up to the configured number of attempts and returns its
// value. The wait before attempt n+1 is baseDelay * n.
func DoValue[T any](ctx context.Context, op string, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	cfg := config{attempts: DefaultAttempts, baseDelay: DefaultBaseDelay, sleep: sleepCtx}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		log.WithFields(log.Fields{"operation": op, "attempt": attempt}).
			WithError(err).Warn("operation attempt failed")
		if attempt == cfg.attempts {
			break
		}
		if err := cfg.sleep(ctx, cfg.baseDelay*time.Duration(attempt)); err != nil {
			return zero, errmodel.StoreUnavailable(op, err)
		}
	}
	return zero, errmodel.StoreUnavailable(op, lastErr)
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
