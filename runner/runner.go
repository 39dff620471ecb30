package runner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/progress"
	"github.com/vinayprograms/jobkit/ratelimit"
	"github.com/vinayprograms/jobkit/results"
	"github.com/vinayprograms/jobkit/tasks"
)

// State is the lifecycle stage of a run.
type State string

const (
	StateIdle      State = "idle"
	StateExpanding State = "expanding"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal returns true once the run has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Runner conducts task batches against a shared bucket collection. A Runner
// may start several runs; they share the collection and so its limits.
type Runner struct {
	collection *ratelimit.Collection
	config     Config

	nowFunc func() time.Time
}

// New creates a runner. A nil collection gives every resource the fallback
// limits. Unset config fields take their defaults.
func New(collection *ratelimit.Collection, cfg Config) *Runner {
	if collection == nil {
		collection = ratelimit.NewCollection(nil)
	}
	cfg.ApplyDefaults()
	return &Runner{
		collection: collection,
		config:     cfg,
		nowFunc:    time.Now,
	}
}

// Collection returns the bucket collection tasks draw from.
func (r *Runner) Collection() *ratelimit.Collection {
	return r.collection
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.config
}

// Run conducts submitted and blocks until the run ends. See Execution.Wait
// for the result contract.
func (r *Runner) Run(ctx context.Context, submitted []tasks.Task) (*results.Results, error) {
	exec, err := r.Start(ctx, submitted)
	if err != nil {
		return nil, err
	}
	return exec.Wait()
}

// Start expands submitted and launches the run in the background. Errors in
// the task set (nil tasks, duplicate identities) and in the configuration
// are returned before anything runs.
func (r *Runner) Start(ctx context.Context, submitted []tasks.Task) (*Execution, error) {
	if err := r.config.Validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid runner config")
	}

	e := newExecution(r)
	e.setState(StateExpanding)

	expanded, err := tasks.Expand(submitted, r.config.Iterations, r.config.Cache)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	index, err := tasks.IndexByID(expanded)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	e.expanded = expanded
	e.index = index
	e.results = make(chan results.Result, len(expanded))

	runCtx, cancel := context.WithCancel(ctx)
	e.ctx = runCtx
	e.cancel = cancel
	if r.config.Progress != nil {
		e.notifier = progress.NewNotifier(r.config.Progress, r.config.ProgressBuffer)
	}

	e.startedAt = r.nowFunc()
	e.setState(StateRunning)
	e.logger.RunStart(len(expanded), r.config.MaxConcurrent, r.config.StopOnError)

	go e.run()
	return e, nil
}

func newExecution(r *Runner) *Execution {
	id := uuid.NewString()
	return &Execution{
		id:     id,
		runner: r,
		state:  StateIdle,
		active: make(map[int]struct{}),
		done:   make(chan struct{}),
		logger: r.config.Logger.WithRunID(id).WithComponent("runner"),
	}
}
