// Package errors provides the structured error taxonomy used by jobkit.
//
// Every error carries a code, a category that drives retry decisions, and
// optional task and resource identifiers so a failure history can be
// reported per task.
//
// # Codes
//
//   - CAPACITY_EXCEEDED: a request can never fit a fixed-capacity bucket
//   - TASK_FAILED: a task raised while being conducted
//   - TIMEOUT: the external call exceeded the task timeout
//   - CANCELED: cooperative cancellation while a run drains
//   - PANIC: a panic recovered inside a task
//   - RATE_LIMITED, UNAVAILABLE, INVALID_INPUT, NOT_FOUND, UNAUTHORIZED, INTERNAL
//
// # Usage
//
//	err := errors.New(errors.ErrCodeTimeout, "model call timed out",
//	    errors.WithTaskID(id), errors.WithResource("openai/gpt-4o"))
//
//	if errors.Is(err, errors.ErrCodeTimeout) {
//	    // ...
//	}
//
// Errors serialize to JSON so failure histories can be exported.
package errors
