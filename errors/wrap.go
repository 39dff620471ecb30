package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. An existing *Error keeps its code and
// category; context errors map to TIMEOUT and CANCELED; anything else
// becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var jobErr *Error
	if errors.As(err, &jobErr) {
		wrapped := &Error{
			code:      jobErr.code,
			category:  jobErr.category,
			message:   message,
			cause:     err,
			metadata:  jobErr.Metadata(),
			retryable: jobErr.retryable,
			timestamp: jobErr.timestamp,
			taskID:    jobErr.taskID,
			resource:  jobErr.resource,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsJobError extracts a JobError from an error chain, or returns nil.
func AsJobError(err error) JobError {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var jobErr *Error
		if !errors.As(err, &jobErr) {
			return false
		}
		if jobErr.code == code {
			return true
		}
		err = jobErr.cause
	}
	return false
}

// IsRetryable checks if the error is retryable. Errors outside the
// taxonomy are not.
func IsRetryable(err error) bool {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Retryable()
	}
	return false
}

// IsCanceled reports whether err stems from cooperative cancellation,
// either as a CANCELED error or a bare context.Canceled.
func IsCanceled(err error) bool {
	return Is(err, ErrCodeCanceled) || errors.Is(err, context.Canceled)
}

// Code extracts the outermost error code, or "" if err is not an *Error.
func Code(err error) ErrorCode {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
