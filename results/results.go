package results

import (
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/vinayprograms/jobkit/errors"
)

// Status is the outcome of one task.
type Status string

const (
	// StatusSuccess indicates the task returned a payload.
	StatusSuccess Status = "success"

	// StatusFailed indicates the task returned an error.
	StatusFailed Status = "failed"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Result is the outcome of one expanded task, tagged with its submission
// index.
type Result struct {
	// Index is the position of the task in the expanded submission.
	Index int

	// TaskID is the task identity.
	TaskID string

	// Resource is the endpoint the task called.
	Resource string

	// Status is success or failed.
	Status Status

	// Payload is the task output on success.
	Payload any

	// Err is the failure on StatusFailed.
	Err error

	// StartedAt and FinishedAt bracket the task's run.
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success builds a successful result.
func Success(index int, taskID, resource string, payload any, started, finished time.Time) Result {
	return Result{
		Index:      index,
		TaskID:     taskID,
		Resource:   resource,
		Status:     StatusSuccess,
		Payload:    payload,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

// Failure builds a failed result.
func Failure(index int, taskID, resource string, err error, started, finished time.Time) Result {
	return Result{
		Index:      index,
		TaskID:     taskID,
		Resource:   resource,
		Status:     StatusFailed,
		Err:        err,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

// OK reports whether the task succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Duration returns how long the task ran.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type resultJSON struct {
	Index      int             `json:"index"`
	TaskID     string          `json:"task_id"`
	Resource   string          `json:"resource,omitempty"`
	Status     Status          `json:"status"`
	Payload    any             `json:"payload,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
}

// MarshalJSON implements json.Marshaler. Structured errors keep their code
// and metadata; other errors become a message.
func (r Result) MarshalJSON() ([]byte, error) {
	j := resultJSON{
		Index:      r.Index,
		TaskID:     r.TaskID,
		Resource:   r.Resource,
		Status:     r.Status,
		Payload:    r.Payload,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMS: r.Duration().Milliseconds(),
	}
	if r.Err != nil {
		raw, err := marshalError(r.Err)
		if err != nil {
			return nil, err
		}
		j.Error = raw
	}
	return json.Marshal(j)
}

func marshalError(err error) ([]byte, error) {
	if je := errors.AsJobError(err); je != nil {
		return json.Marshal(je)
	}
	return json.Marshal(map[string]string{"message": err.Error()})
}

// FailureHistory maps submission index to the error of a failed task.
type FailureHistory map[int]error

// Indexes returns the failed indexes in ascending order.
func (h FailureHistory) Indexes() []int {
	out := make([]int, 0, len(h))
	for i := range h {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (h FailureHistory) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(h))
	for i, err := range h {
		raw, mErr := marshalError(err)
		if mErr != nil {
			return nil, mErr
		}
		out[strconv.Itoa(i)] = raw
	}
	return json.Marshal(out)
}

// Results is the ordered outcome of a run.
type Results struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Items holds one entry per finished task, in submission order.
	Items []Result `json:"items"`

	// Failures holds the error of every failed item.
	Failures FailureHistory `json:"failures"`

	// Total is the number of expanded tasks submitted.
	Total int `json:"total"`

	// Cancelled is true when the run was interrupted before every task finished.
	Cancelled bool `json:"cancelled"`

	// Elapsed is the wall time of the run.
	Elapsed time.Duration `json:"elapsed"`
}

// Assemble sorts collected results into submission order and records the
// failures.
func Assemble(runID string, total int, collected []Result, elapsed time.Duration, cancelled bool) *Results {
	items := make([]Result, len(collected))
	copy(items, collected)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Index < items[j].Index
	})

	failures := make(FailureHistory)
	for _, r := range items {
		if !r.OK() {
			failures[r.Index] = r.Err
		}
	}

	return &Results{
		RunID:     runID,
		Items:     items,
		Failures:  failures,
		Total:     total,
		Cancelled: cancelled,
		Elapsed:   elapsed,
	}
}

// Len returns the number of finished tasks.
func (r *Results) Len() int {
	return len(r.Items)
}

// Payloads returns the payload of every item in order, nil for failures.
func (r *Results) Payloads() []any {
	out := make([]any, len(r.Items))
	for i, item := range r.Items {
		out[i] = item.Payload
	}
	return out
}

// Succeeded returns the number of successful items.
func (r *Results) Succeeded() int {
	return len(r.Items) - len(r.Failures)
}

// WriteJSON writes the results as indented JSON.
func (r *Results) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
