package tasks

import (
	"context"
	"time"

	"github.com/vinayprograms/jobkit/errors"
)

type callTimeoutKey struct{}

// WithCallTimeout returns a context that bounds every Call made under it
// by d. Zero or negative disables the bound.
func WithCallTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, callTimeoutKey{}, d)
}

// CallTimeout returns the per-call bound carried by ctx.
func CallTimeout(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(callTimeoutKey{}).(time.Duration)
	return d, ok && d > 0
}

type callResult[T any] struct {
	v   T
	err error
}

// Call runs one external step under the per-call timeout carried by ctx.
// It returns as soon as the bound or ctx expires, even if fn ignores its
// context. A step that outlives its bound fails with TIMEOUT; a step
// abandoned because ctx itself ended fails with CANCELED (or TIMEOUT for
// a parent deadline).
func Call[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, errors.Wrap(err, "call not started")
	}

	callCtx := ctx
	var timeout time.Duration
	if d, ok := CallTimeout(ctx); ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		timeout = d
	}

	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult[T]{err: errors.RecoverPanic(r)}
			}
		}()
		v, err := fn(callCtx)
		done <- callResult[T]{v: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.v, nil
		}
		if ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			return zero, errors.Timeout("call exceeded "+timeout.String(), errors.WithCause(res.err))
		}
		if parentErr := ctx.Err(); parentErr != nil {
			return zero, errors.Wrap(parentErr, "call abandoned")
		}
		return zero, res.err
	case <-callCtx.Done():
		if parentErr := ctx.Err(); parentErr != nil {
			return zero, errors.Wrap(parentErr, "call abandoned")
		}
		return zero, errors.Timeout("call exceeded "+timeout.String(), errors.WithCause(callCtx.Err()))
	}
}
