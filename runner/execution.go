package runner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/progress"
	"github.com/vinayprograms/jobkit/results"
	"github.com/vinayprograms/jobkit/tasks"
	"github.com/vinayprograms/jobkit/telemetry"
)

// Status is a point-in-time view of a run.
type Status struct {
	RunID     string        `json:"run_id"`
	State     State         `json:"state"`
	Total     int           `json:"total"`
	Started   int           `json:"started"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Active    int           `json:"active"`
	Elapsed   time.Duration `json:"elapsed"`

	// DroppedEvents counts progress events lost to a full buffer.
	DroppedEvents int64 `json:"dropped_events"`
}

// Execution is one run of a Runner.
type Execution struct {
	id       string
	runner   *Runner
	expanded []tasks.Task
	index    map[string]int
	results  chan results.Result
	notifier *progress.Notifier
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	draining  bool
	cancelled bool
	active    map[int]struct{}
	collected []results.Result
	started   int
	completed int
	failed    int
	startedAt time.Time
	elapsed   time.Duration

	final *results.Results
	err   error
}

// ID returns the run identity.
func (e *Execution) ID() string {
	return e.id
}

// Results streams each task result as it is recorded, in completion order.
// The channel is closed when the run ends. It is buffered for the whole run
// so the run never waits on a slow or absent reader.
func (e *Execution) Results() <-chan results.Result {
	return e.results
}

// Done is closed when the run has ended.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// State returns the current lifecycle stage.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns a snapshot of the run's counters.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	elapsed := e.elapsed
	if !e.state.Terminal() && !e.startedAt.IsZero() {
		elapsed = e.runner.nowFunc().Sub(e.startedAt)
	}
	return Status{
		RunID:         e.id,
		State:         e.state,
		Total:         len(e.expanded),
		Started:       e.started,
		Completed:     e.completed,
		Failed:        e.failed,
		Active:        len(e.active),
		Elapsed:       elapsed,
		DroppedEvents: e.notifier.Dropped(),
	}
}

// Cancel stops the run. Active tasks are cancelled, unstarted tasks never
// start, and Wait returns what finished before the cancel.
func (e *Execution) Cancel() {
	e.mu.Lock()
	if e.state.Terminal() || e.draining {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	e.beginDrainLocked()
	e.mu.Unlock()
	e.cancel()
}

// Wait blocks until the run ends.
//
// A completed run returns every result in submission order. A cancelled
// run returns the results that finished before the cancel, with
// Cancelled set. A fail-fast run that hit a failure returns nil and the
// failure.
func (e *Execution) Wait() (*results.Results, error) {
	<-e.done
	return e.final, e.err
}

// OnShutdown cancels the run and waits for it to drain or for ctx to
// expire. It lets a shutdown.Coordinator stop a run on SIGINT or SIGTERM.
func (e *Execution) OnShutdown(ctx context.Context) error {
	e.Cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Execution) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// beginDrainLocked must be called with mu held.
func (e *Execution) beginDrainLocked() {
	e.draining = true
	if e.state == StateRunning {
		e.state = StateDraining
	}
}

func (e *Execution) run() {
	cfg := e.runner.config
	ctx, span := cfg.Tracer.StartRunSpan(e.ctx, e.id, len(e.expanded), cfg.MaxConcurrent)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)
	gctx = tasks.WithCallTimeout(gctx, cfg.TaskTimeout)

	for _, t := range e.expanded {
		if gctx.Err() != nil {
			break
		}
		// Go blocks until a slot is free.
		g.Go(func() error {
			return e.conduct(gctx, t)
		})
	}
	err := g.Wait()
	e.finish(err, span)
}

// conduct runs one task and records its result. It returns an error only
// for the failure that stops a fail-fast run.
func (e *Execution) conduct(ctx context.Context, t tasks.Task) error {
	if ctx.Err() != nil {
		return nil
	}
	index := e.index[t.ID()]

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil
	}
	e.started++
	e.active[index] = struct{}{}
	e.mu.Unlock()

	cfg := e.runner.config
	taskCtx, span := cfg.Tracer.StartTaskSpan(ctx, telemetry.TaskSpanOptions{
		TaskID:   t.ID(),
		Index:    index,
		Resource: t.Resource(),
	})

	started := e.runner.nowFunc()
	payload, err := e.invoke(taskCtx, t)
	finished := e.runner.nowFunc()
	cfg.Tracer.EndTaskSpan(span, err)

	var res results.Result
	if err != nil {
		res = results.Failure(index, t.ID(), t.Resource(), taskError(t, err), started, finished)
	} else {
		res = results.Success(index, t.ID(), t.Resource(), payload, started, finished)
	}
	return e.record(res)
}

// invoke calls Conduct with the task's bucket pair, turning a panic into
// a PANIC error.
func (e *Execution) invoke(ctx context.Context, t tasks.Task) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = errors.RecoverPanic(r)
		}
	}()
	return t.Conduct(ctx, e.runner.collection.Get(t.Resource()))
}

// taskError gives a bare error the TASK_FAILED code and the task's
// identity. Coded errors keep their code.
func taskError(t tasks.Task, err error) error {
	if errors.Code(err) != "" {
		return err
	}
	return errors.TaskFailed(t.ID(), err, errors.WithResource(t.Resource()))
}

// record publishes a finished result unless the run is draining, in which
// case the result is late and dropped.
func (e *Execution) record(res results.Result) error {
	e.mu.Lock()
	delete(e.active, res.Index)
	if !e.draining && e.ctx.Err() != nil {
		e.beginDrainLocked()
	}
	if e.draining {
		e.mu.Unlock()
		return nil
	}

	if res.OK() {
		e.completed++
	} else {
		e.failed++
	}
	e.collected = append(e.collected, res)
	e.results <- res

	event := progress.Event{
		RunID:     e.id,
		TaskID:    res.TaskID,
		Index:     res.Index,
		Resource:  res.Resource,
		Status:    progress.StatusCompleted,
		Completed: e.completed,
		Failed:    e.failed,
		Total:     len(e.expanded),
		Elapsed:   e.runner.nowFunc().Sub(e.startedAt),
		Duration:  res.Duration(),
	}

	var stop error
	if !res.OK() {
		event.Status = progress.StatusFailed
		event.Error = progress.ErrorText(res.Err)
		if e.runner.config.StopOnError {
			stop = res.Err
			e.beginDrainLocked()
		}
	}
	e.mu.Unlock()

	if res.OK() {
		e.logger.TaskComplete(res.TaskID, res.Index, res.Duration())
	} else {
		e.logger.TaskFailed(res.TaskID, res.Index, res.Err)
	}
	e.notifier.Publish(event)
	return stop
}

// finish settles the final state once every started task has returned.
func (e *Execution) finish(groupErr error, span trace.Span) {
	parentDone := e.ctx.Err() != nil
	e.cancel()
	close(e.results)
	e.notifier.Close()

	e.mu.Lock()
	e.elapsed = e.runner.nowFunc().Sub(e.startedAt)
	total := len(e.expanded)
	switch {
	case groupErr != nil:
		e.state = StateFailed
		e.err = groupErr
	case (e.cancelled || parentDone) && len(e.collected) < total:
		e.state = StateCancelled
		e.final = results.Assemble(e.id, total, e.collected, e.elapsed, true)
	default:
		e.state = StateCompleted
		e.final = results.Assemble(e.id, total, e.collected, e.elapsed, false)
	}
	state, completed, failed, elapsed := e.state, e.completed, e.failed, e.elapsed
	e.mu.Unlock()

	if state == StateCancelled {
		e.logger.RunCancelled(elapsed, completed+failed)
	} else {
		e.logger.RunComplete(elapsed, completed, failed, string(state))
	}
	e.runner.config.Tracer.EndRunSpan(span, telemetry.RunSpanOptions{
		Completed: completed,
		Failed:    failed,
		State:     string(state),
	}, groupErr)
	close(e.done)
}
