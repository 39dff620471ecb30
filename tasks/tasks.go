package tasks

import (
	"context"
	"fmt"

	"github.com/vinayprograms/jobkit/cache"
	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/ratelimit"
)

// Task is one unit of work submitted to a run.
type Task interface {
	// ID is a stable identity, unique within a run.
	ID() string

	// Resource names the rate-limited endpoint the task calls, e.g.
	// "openai/gpt-4o". It selects the bucket pair passed to Conduct.
	Resource() string

	// Conduct performs the work. It must acquire from buckets before each
	// external call and return promptly once ctx is cancelled.
	Conduct(ctx context.Context, buckets *ratelimit.Pair) (any, error)

	// Duplicate returns an independent copy for the given iteration that
	// uses c as its cache. The copy must not share mutable state with the
	// receiver.
	Duplicate(iteration int, c cache.Cache) Task
}

// CacheSetter is implemented by tasks that accept a cache after
// construction. Expand uses it for iteration 0.
type CacheSetter interface {
	SetCache(c cache.Cache)
}

// Expand materializes n iterations of every task, task by task. Iteration 0
// is the submitted task itself; later iterations come from Duplicate.
func Expand(submitted []Task, n int, c cache.Cache) ([]Task, error) {
	if n < 1 {
		return nil, errors.InvalidInput(fmt.Sprintf("iterations must be at least 1, got %d", n))
	}

	out := make([]Task, 0, len(submitted)*n)
	for i, t := range submitted {
		if t == nil {
			return nil, errors.InvalidInput(fmt.Sprintf("task %d is nil", i))
		}
		for iteration := 0; iteration < n; iteration++ {
			if iteration == 0 {
				if cs, ok := t.(CacheSetter); ok && c != nil {
					cs.SetCache(c)
				}
				out = append(out, t)
				continue
			}
			out = append(out, t.Duplicate(iteration, c))
		}
	}
	return out, nil
}

// IndexByID maps each task identity to its submission index. Identities
// must be unique.
func IndexByID(expanded []Task) (map[string]int, error) {
	index := make(map[string]int, len(expanded))
	for i, t := range expanded {
		id := t.ID()
		if prev, dup := index[id]; dup {
			return nil, errors.InvalidInput(
				fmt.Sprintf("duplicate task identity %q at positions %d and %d", id, prev, i),
				errors.WithTaskID(id))
		}
		index[id] = i
	}
	return index, nil
}
