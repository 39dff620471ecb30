package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobError is the interface for structured errors raised by jobkit.
type JobError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of JobError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	taskID    string
	resource  string
}

var (
	_ JobError       = (*Error)(nil)
	_ json.Marshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

// Resource returns the rate-limited resource the error relates to, if set.
func (e *Error) Resource() string {
	return e.resource
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Resource  string            `json:"resource,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		TaskID:    e.taskID,
		Resource:  e.resource,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithResource sets the related resource identifier.
func WithResource(resource string) Option {
	return func(e *Error) {
		e.resource = resource
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// RateLimited creates a rate limit error.
func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeRateLimit, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// CapacityExceeded reports a request of amount that can never fit a bucket of
// the given capacity because growth is disallowed.
func CapacityExceeded(bucket string, amount, capacity float64, opts ...Option) *Error {
	opts = append([]Option{
		WithMetadata("bucket", bucket),
		WithMetadata("requested", fmt.Sprintf("%g", amount)),
		WithMetadata("capacity", fmt.Sprintf("%g", capacity)),
	}, opts...)
	return New(ErrCodeCapacityExceeded,
		fmt.Sprintf("bucket %s: requested %g exceeds capacity %g", bucket, amount, capacity), opts...)
}

// TaskFailed wraps the cause of a failed task.
func TaskFailed(taskID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID), WithCause(cause)}, opts...)
	return New(ErrCodeTaskFailed, fmt.Sprintf("task %s failed", taskID), opts...)
}
