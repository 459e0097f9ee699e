// Package retry implements the shared retry policy for external calls.
// Every reasoning, vector, collector, and store call in the pipeline goes
// through Do with the same classification rules: HTTP 5xx and network/timeout
// errors retry with exponential backoff, HTTP 4xx and empty model output fail
// immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"loom/internal/logging"
)

// Policy controls retry behavior for an external call.
type Policy struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay before the second attempt
	Multiplier  int           // Backoff multiplier per attempt (2 = 2^n)
}

// DefaultPolicy returns the pipeline-wide retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
	}
}

// StatusError carries an HTTP status code from an external call so the
// classifier can decide between retryable and fatal.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("status %d", e.Code)
}

// ErrEmptyResponse marks a 200 response with no usable content.
// The model answered but said nothing, so retrying is pointless.
var ErrEmptyResponse = errors.New("model returned no content")

// Fatal wraps an error so the retry loop aborts immediately.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Retryable reports whether err should be retried under the policy.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var fe *fatalError
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A deadline hit is a timeout, which the policy treats as transient.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests {
			return true
		}
		return se.Code >= 500
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	// Unknown errors default to retryable; the attempt cap bounds the damage.
	return true
}

// Do runs fn under the policy. It returns the first fatal error or, after
// MaxAttempts retryable failures, the last error wrapped with the attempt
// count. The backoff is baseDelay * multiplier^(attempt-1), no jitter.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.BaseDelay
			for i := 1; i < attempt-1; i++ {
				delay *= time.Duration(p.Multiplier)
			}
			logging.APIDebug("%s: retrying after %v (attempt %d/%d): %v", op, delay, attempt, p.MaxAttempts, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			logging.APIDebug("%s: fatal error, not retrying: %v", op, err)
			return err
		}
	}

	return fmt.Errorf("%s: all %d attempts failed: %w", op, p.MaxAttempts, lastErr)
}
