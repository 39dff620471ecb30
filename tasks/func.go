package tasks

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vinayprograms/jobkit/cache"
	"github.com/vinayprograms/jobkit/ratelimit"
)

// Body is the work of a FuncTask. iteration is 0 for the submitted task.
type Body func(ctx context.Context, iteration int) (any, error)

// FuncTask adapts a function to Task. Before each call it acquires its
// request and token cost from the pair, growing buckets if needed.
type FuncTask struct {
	baseID    string
	resource  string
	requests  float64
	tokens    float64
	iteration int
	body      Body
	cache     cache.Cache
}

// FuncOption configures a FuncTask.
type FuncOption func(*FuncTask)

// WithID sets the identity instead of a random one.
func WithID(id string) FuncOption {
	return func(f *FuncTask) {
		f.baseID = id
	}
}

// WithCost sets the requests and tokens acquired per call. Default: 1 request, 0 tokens.
func WithCost(requests, tokens float64) FuncOption {
	return func(f *FuncTask) {
		f.requests = requests
		f.tokens = tokens
	}
}

// NewFunc creates a task calling body against resource.
func NewFunc(resource string, body Body, opts ...FuncOption) *FuncTask {
	f := &FuncTask{
		baseID:   uuid.NewString(),
		resource: resource,
		requests: 1,
		body:     body,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID implements Task. Duplicates carry a "#<iteration>" suffix.
func (f *FuncTask) ID() string {
	if f.iteration == 0 {
		return f.baseID
	}
	return fmt.Sprintf("%s#%d", f.baseID, f.iteration)
}

// Resource implements Task.
func (f *FuncTask) Resource() string {
	return f.resource
}

// Iteration returns the iteration this copy runs.
func (f *FuncTask) Iteration() int {
	return f.iteration
}

// Cache returns the cache assigned by Expand, if any.
func (f *FuncTask) Cache() cache.Cache {
	return f.cache
}

// SetCache implements CacheSetter.
func (f *FuncTask) SetCache(c cache.Cache) {
	f.cache = c
}

// Conduct implements Task.
func (f *FuncTask) Conduct(ctx context.Context, buckets *ratelimit.Pair) (any, error) {
	if buckets != nil {
		if err := buckets.Acquire(ctx, f.requests, f.tokens, true); err != nil {
			return nil, err
		}
	}
	return Call(ctx, func(ctx context.Context) (any, error) {
		return f.body(ctx, f.iteration)
	})
}

// Duplicate implements Task.
func (f *FuncTask) Duplicate(iteration int, c cache.Cache) Task {
	dup := *f
	dup.iteration = iteration
	dup.cache = c
	return &dup
}

var (
	_ Task        = (*FuncTask)(nil)
	_ CacheSetter = (*FuncTask)(nil)
)
