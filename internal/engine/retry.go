package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/nurture/pkg/schema"
)

// Backoff strategies understood by RetryPolicy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds retries of a single external call.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first attempt.
	MaxAttempts int           `json:"max_attempts"`
	Backoff     string        `json:"backoff"`
	Delay       time.Duration `json:"delay"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// IsRetryableError classifies whether an error should be retried.
// NurtureErrors decide by code; cancellation is never retried; network
// failures and unclassified errors are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the caller is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var nErr *schema.NurtureError
	if errors.As(err, &nErr) {
		return nErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	base := policy.Delay
	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx.Err().
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are spent. onRetry (may be nil) sees each failed attempt.
func Retry(ctx context.Context, policy *RetryPolicy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	maxAttempts := 0
	if policy != nil {
		maxAttempts = policy.MaxAttempts
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !IsRetryableError(err) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return err
		}
	}
}
