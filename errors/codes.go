package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient covers failures that may succeed on a later run,
	// such as timeouts or an unavailable endpoint.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers failures a retry will not fix.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource covers limiter and quota exhaustion.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal covers bugs and recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // External call exceeded the task timeout
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Endpoint or bus unreachable

	// Permanent
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed task set or configuration
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Unknown service or model
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"  // Missing or rejected credentials
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Cooperative cancellation
	ErrCodeTaskFailed   ErrorCode = "TASK_FAILED"   // Task raised while conducting

	// Resource
	ErrCodeRateLimit        ErrorCode = "RATE_LIMITED"      // Endpoint rejected with a rate limit
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED" // Request can never fit the bucket

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeUnauthorized,
		ErrCodeCanceled, ErrCodeTaskFailed:
		return CategoryPermanent
	case ErrCodeRateLimit:
		return CategoryResource
	case ErrCodeCapacityExceeded:
		// Waiting never helps a request larger than a fixed capacity.
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:          "operation timed out",
	ErrCodeUnavailable:      "service temporarily unavailable",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeNotFound:         "resource not found",
	ErrCodeUnauthorized:     "authentication required",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeTaskFailed:       "task execution failed",
	ErrCodeRateLimit:        "rate limit exceeded",
	ErrCodeCapacityExceeded: "request exceeds bucket capacity",
	ErrCodeInternal:         "internal error",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
