package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/prodtrack/pkg/schema"
)

// RetryPolicy bounds how long and how often background writes are retried.
type RetryPolicy struct {
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	MaxElapsed      time.Duration `json:"max_elapsed"`
	// MaxAttempts counts the first try. Zero means no attempt cap.
	MaxAttempts int `json:"max_attempts"`
}

// DefaultRetryPolicy returns the policy used for audit writes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      15 * time.Second,
		MaxAttempts:     5,
	}
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: store failures, busy/locked databases, network errors, timeouts.
// Non-retryable: cancellation and ProdErrors whose code says the request itself is wrong.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *schema.ProdError
	if errors.As(err, &pe) {
		if pe.IsRetryable() {
			return true
		}
		// A store error wrapping a transient cause is still worth another try.
		if pe.Cause == nil {
			return false
		}
		return isTransient(pe.Cause)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Default: retryable (the policy limits attempts).
	return true
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"database is locked",
		"database is busy",
		"sqlite_busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. notify, if set, is called before each wait.
// Waiting respects ctx cancellation.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, fn func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	if clk == nil {
		clk = clock.New()
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialInterval,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         policy.MaxInterval,
		MaxElapsedTime:      policy.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	b.Reset()

	var bo backoff.BackOff = b
	if policy.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1))
	}
	bo = backoff.WithContext(bo, ctx)

	op := func() error {
		err := fn(ctx)
		if err != nil && !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bo, notify)
}
