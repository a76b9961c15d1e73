// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry classifies failures of resource creators into errors that
// must not be retried (Cancel) and errors that may be retried (Retry), and
// computes the backoff between attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// CancelError wraps a failure that stops its creation loop for good.
type CancelError struct {
	Err error
}

func (e *CancelError) Error() string {
	if e.Err == nil {
		return "retry: cancelled"
	}
	return "cancelled: " + e.Err.Error()
}

func (e *CancelError) Unwrap() error { return e.Err }

// RetryError wraps a failure that leads to another attempt.
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "retry: retrying"
	}
	return "retrying: " + e.Err.Error()
}

func (e *RetryError) Unwrap() error { return e.Err }

// Cancel marks err as not retriable.  A nil err yields nil.
func Cancel(err error) error {
	if err == nil {
		return nil
	}
	var c *CancelError
	if errors.As(err, &c) {
		return err
	}
	return &CancelError{Err: err}
}

// Retry marks err as retriable.  A nil err yields nil.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	var r *RetryError
	if errors.As(err, &r) {
		return err
	}
	return &RetryError{Err: err}
}

// IsCancel returns true if err carries a Cancel mark.
func IsCancel(err error) bool {
	var c *CancelError
	return errors.As(err, &c)
}

// IsRetry returns true if err carries a Retry mark.
func IsRetry(err error) bool {
	var r *RetryError
	return errors.As(err, &r)
}

// Classify returns err marked as Cancel or Retry.  Errors that are already
// marked keep their mark.  Context cancellation always cancels, transient
// network failures retry and everything else cancels.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsCancel(err), IsRetry(err):
		return err
	case errors.Is(err, context.Canceled):
		return Cancel(err)
	case IsTransientError(err):
		return Retry(err)
	default:
		return Cancel(err)
	}
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	if baseDelay <= 0 {
		return 0
	}

	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
		"connection closed",
		"general socks server failure",
		"host unreachable",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
