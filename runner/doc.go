// Package runner executes batches of tasks under a concurrency ceiling and
// per-resource rate limits.
//
// A run expands the submitted tasks by the iteration count, then conducts
// them on a bounded pool. Each task receives the bucket pair of its
// resource from a shared ratelimit.Collection. Results stream out as they
// complete and are reassembled in submission order at the end.
//
// # Failure policy
//
// By default a run is fail-soft: failures are recorded in the
// FailureHistory and every task gets a result. With StopOnError the first
// failure cancels the remaining tasks and is returned once they have
// drained; cancellation errors of the siblings are dropped.
//
// # Cancellation
//
// Cancelling the run (Execution.Cancel, the parent context, or a shutdown
// signal through OnShutdown) drains the active tasks and returns the
// results that finished before the cancel, with no error.
//
// # Usage
//
//	coll := ratelimit.NewCollection(llm.DefaultRegistry())
//	r := runner.New(coll, runner.Config{MaxConcurrent: 50})
//	res, err := r.Run(ctx, tasks)
package runner
