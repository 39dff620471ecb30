// Package telemetry provides run telemetry export and OpenTelemetry tracing.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Exporter is the interface for telemetry exporters.
type Exporter interface {
	// LogEvent logs an event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// LogTask logs the outcome of one task.
	LogTask(rec TaskRecord)
	// Flush sends any buffered data.
	Flush() error
	// Close closes the exporter.
	Close() error
}

// TaskRecord is the telemetry view of one finished task.
type TaskRecord struct {
	RunID     string        `json:"run_id"`
	TaskID    string        `json:"task_id"`
	Index     int           `json:"index"`
	Resource  string        `json:"resource,omitempty"`
	Iteration int           `json:"iteration,omitempty"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Tokens    TokenCount    `json:"tokens"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// TokenCount represents token usage.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Event represents a telemetry event.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewExporter creates a new exporter based on protocol.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		if endpoint == "" {
			return nil, fmt.Errorf("http telemetry requires an endpoint")
		}
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry protocol: %s", protocol)
	}
}

// --- HTTP Exporter ---

const httpBatchSize = 100

// HTTPExporter posts batches of telemetry as JSON to an HTTP endpoint.
type HTTPExporter struct {
	endpoint string
	client   *http.Client
	buffer   []interface{}
	mu       sync.Mutex
}

// NewHTTPExporter creates a new HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		buffer: make([]interface{}, 0, httpBatchSize),
	}
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.append(Event{
		Name:      name,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (e *HTTPExporter) LogTask(rec TaskRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	e.append(rec)
}

func (e *HTTPExporter) append(v interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, v)
	if len(e.buffer) >= httpBatchSize {
		// Failed batches stay buffered for the next flush.
		_ = e.flush()
	}
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flush()
}

func (e *HTTPExporter) flush() error {
	if len(e.buffer) == 0 {
		return nil
	}

	data, err := json.Marshal(e.buffer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}

	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter writes telemetry to a file as JSON lines.
type FileExporter struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileExporter creates a new file exporter.
func NewFileExporter(path string) (*FileExporter, error) {
	if path == "" {
		return nil, fmt.Errorf("file telemetry requires a path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	e.write(Event{
		Name:      name,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (e *FileExporter) LogTask(rec TaskRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	e.write(rec)
}

func (e *FileExporter) write(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(data)
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.file.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all telemetry.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) LogTask(rec TaskRecord)                            {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
