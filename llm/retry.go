package llm

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/jobkit/errors"
)

// Retry configuration defaults
const (
	defaultMaxRetries  = 2
	defaultInitBackoff = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 2.0
)

// effective returns retry settings with defaults applied.
func (c RetryConfig) effective() (maxRetries int, initBackoff, maxBackoff time.Duration) {
	maxRetries = c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	initBackoff = c.InitBackoff
	if initBackoff <= 0 {
		initBackoff = defaultInitBackoff
	}
	maxBackoff = c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return
}

// withRetry calls fn until it succeeds, fails permanently or runs out of
// attempts. The final error carries a code: RATE_LIMITED, UNAVAILABLE,
// UNAUTHORIZED or INTERNAL.
func withRetry(ctx context.Context, service string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	maxRetries, initBackoff, maxBackoff := cfg.effective()
	backoff := initBackoff

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), service+" request interrupted")
		}

		if isBillingError(err) {
			return errors.WrapWithCode(err, errors.ErrCodeUnauthorized, service+" billing/payment error")
		}
		if errors.Code(err) != "" && !errors.IsRetryable(err) {
			return errors.Wrap(err, service+" request failed")
		}
		if !isRetryableError(err) {
			return errors.WrapWithCode(err, errors.ErrCodeInternal, service+" request failed")
		}
		if attempt == maxRetries {
			if isRateLimitError(err) {
				return errors.WrapWithCode(err, errors.ErrCodeRateLimit, service+" rate limited",
					errors.WithMetadata("attempts", strconv.Itoa(attempt+1)))
			}
			return errors.WrapWithCode(err, errors.ErrCodeUnavailable, service+" unavailable",
				errors.WithMetadata("attempts", strconv.Itoa(attempt+1)))
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), service+" request interrupted")
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// statusError tags an SDK error with the HTTP status of the failed call so
// classification does not depend on the error text.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func withStatus(err error, status int) error {
	if err == nil || status == 0 {
		return err
	}
	return &statusError{status: status, err: err}
}

func httpStatus(err error) (int, bool) {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.status, true
	}
	return 0, false
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := httpStatus(err); ok {
		// 529 is Anthropic's "overloaded".
		return status == 429 || status == 529
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := httpStatus(err); ok {
		return status >= 500 && status != 529
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

// isRetryableError checks if the error is retryable (rate limit or server error).
func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	status, hasStatus := httpStatus(err)
	if hasStatus && status == 402 {
		return true
	}
	errStr := strings.ToLower(err.Error())
	if !hasStatus && strings.Contains(errStr, "402") {
		return true
	}
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "subscription") ||
		strings.Contains(errStr, "expired")
}
