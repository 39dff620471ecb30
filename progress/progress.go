package progress

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/jobkit/bus"
	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/telemetry"
)

// SubjectPrefix is the bus subject prefix for progress events.
const SubjectPrefix = "progress."

// DefaultBufferSize is the notifier buffer used when none is configured.
const DefaultBufferSize = 256

// Status is the outcome reported by an event.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event reports one finished task together with the run's running totals.
type Event struct {
	RunID     string        `json:"run_id"`
	TaskID    string        `json:"task_id"`
	Index     int           `json:"index"`
	Resource  string        `json:"resource,omitempty"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Elapsed   time.Duration `json:"elapsed"`

	// Duration is how long this task took to conduct.
	Duration time.Duration `json:"duration"`
}

// Done returns the number of finished tasks, successful or not.
func (e Event) Done() int {
	return e.Completed + e.Failed
}

// Sink receives progress events. Sinks run on the notifier goroutine and may
// block without affecting the run.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Notify calls f.
func (f SinkFunc) Notify(e Event) { f(e) }

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return multiSink(live)
}

type multiSink []Sink

func (m multiSink) Notify(e Event) {
	for _, s := range m {
		s.Notify(e)
	}
}

// Notifier delivers events to a sink from a single goroutine. Publish never
// blocks: when the buffer is full the event is dropped and counted.
type Notifier struct {
	sink    Sink
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewNotifier starts a notifier draining into sink. A bufferSize of zero or
// less uses DefaultBufferSize.
func NewNotifier(sink Sink, bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	n := &Notifier{
		sink:   sink,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go n.drain()
	return n
}

func (n *Notifier) drain() {
	defer close(n.done)
	for e := range n.events {
		n.deliver(e)
	}
}

// deliver isolates the drain loop from a panicking sink.
func (n *Notifier) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.dropped.Add(1)
		}
	}()
	n.sink.Notify(e)
}

// Publish queues an event. It reports false if the event was dropped.
func (n *Notifier) Publish(e Event) bool {
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.events <- e:
		return true
	default:
		n.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of events that never reached the sink.
func (n *Notifier) Dropped() int64 {
	if n == nil {
		return 0
	}
	return n.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()
	<-n.done
}

// LogSink writes each event to a logger.
func LogSink(logger *logging.Logger) Sink {
	return SinkFunc(func(e Event) {
		fields := map[string]interface{}{
			"task":     e.TaskID,
			"index":    e.Index,
			"progress": e.Done(),
			"total":    e.Total,
		}
		if e.Status == StatusFailed {
			fields["error"] = e.Error
			logger.Warn("task failed", fields)
			return
		}
		logger.Info("task completed", fields)
	})
}

// BusSink publishes events as JSON on progress.<runID>.
type BusSink struct {
	bus    bus.MessageBus
	logger *logging.Logger
}

// NewBusSink creates a sink publishing to b.
func NewBusSink(b bus.MessageBus, logger *logging.Logger) *BusSink {
	return &BusSink{bus: b, logger: logger}
}

// Subject returns the subject events of runID are published on.
func Subject(runID string) string {
	return SubjectPrefix + runID
}

// Notify implements Sink.
func (s *BusSink) Notify(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("progress encode failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := s.bus.Publish(Subject(e.RunID), data); err != nil {
		s.logger.Debug("progress publish failed", map[string]interface{}{"error": err.Error()})
	}
}

// ExporterSink records each event as a telemetry task record.
func ExporterSink(exp telemetry.Exporter) Sink {
	return SinkFunc(func(e Event) {
		exp.LogTask(telemetry.TaskRecord{
			RunID:    e.RunID,
			TaskID:   e.TaskID,
			Index:    e.Index,
			Resource: e.Resource,
			Status:   string(e.Status),
			Error:    e.Error,
			Latency:  e.Duration,
		})
	})
}

// ErrorText returns the message recorded for a failed task, preferring the
// structured code when there is one.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	if code := errors.Code(err); code != "" {
		return string(code) + ": " + err.Error()
	}
	return err.Error()
}
