// Package retry wraps a single outbound call with bounded retries, a
// per-attempt timeout, and jittered exponential backoff. Only errors
// classified as transient are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/metrics"
)

// Policy bounds the retry behavior of one outbound call.
type Policy struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	// AttemptTimeout applies to each attempt independently.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
}

// DefaultPolicy returns the default outbound-call retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		AttemptTimeout:  10 * time.Second,
	}
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps an error so the executor will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an error was marked transient, or is a
// deadline/temporary network condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do executes op with the policy. Non-transient errors abort immediately;
// transient ones are retried until attempts are exhausted or ctx is done.
// The returned error is the last attempt's error.
func Do(ctx context.Context, logger *zap.Logger, p Policy, name string, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	// RandomizationFactor default gives the jitter; MaxElapsedTime is
	// governed by attempts and ctx instead.
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt >= p.MaxAttempts {
			return backoff.Permanent(err)
		}
		metrics.RetryAttempts.Inc()
		logger.Debug("retrying after transient error",
			zap.String("call", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return pe.Unwrap()
	}
	return err
}
