package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent("test", map[string]interface{}{"key": "value"})
	exp.LogTask(TaskRecord{TaskID: "t"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}

	exp.LogEvent("run_start", map[string]interface{}{"total": 3})
	exp.LogTask(TaskRecord{
		RunID:     "run-1",
		TaskID:    "a#1",
		Index:     1,
		Resource:  "openai/gpt-4o",
		Iteration: 1,
		Status:    "success",
		Tokens:    TokenCount{Input: 100, Output: 50},
		Latency:   time.Second,
	})

	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["name"] != "run_start" {
		t.Errorf("first line = %v", lines[0])
	}
	if lines[1]["task_id"] != "a#1" || lines[1]["timestamp"] == "" {
		t.Errorf("second line = %v", lines[1])
	}
}

func TestHTTPExporter(t *testing.T) {
	var batches atomic.Int32
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		batches.Add(1)
		received.Add(int32(len(items)))
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	for i := 0; i < httpBatchSize+5; i++ {
		exp.LogTask(TaskRecord{TaskID: "t", Index: i})
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if batches.Load() != 2 {
		t.Errorf("batches = %d, want 2", batches.Load())
	}
	if received.Load() != httpBatchSize+5 {
		t.Errorf("received = %d", received.Load())
	}
}

func TestHTTPExporter_ErrorKeepsBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("x", nil)
	if err := exp.Flush(); err == nil {
		t.Fatal("expected error from 503")
	}
	if len(exp.buffer) != 1 {
		t.Errorf("buffer len = %d, want 1", len(exp.buffer))
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		endpoint string
		wantErr  bool
	}{
		{"noop", "", false},
		{"", "", false},
		{"http", "", true},
		{"http", "http://localhost:1/events", false},
		{"file", "", true},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol+"/"+tt.endpoint, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				if _, ok := exp.(*HTTPExporter); !ok {
					exp.Close()
				}
			}
		})
	}
}

func TestInitProvider_NoEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestProviderConfig_Sampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 2} {
		if got := (ProviderConfig{SampleRatio: ratio}).sampler().Description(); got != "AlwaysOnSampler" {
			t.Errorf("ratio %v: sampler = %s", ratio, got)
		}
	}
	if got := (ProviderConfig{SampleRatio: 0.5}).sampler().Description(); got == "AlwaysOnSampler" {
		t.Error("ratio 0.5 should not always sample")
	}
}

func TestTracer_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	tracer := NewTracerFromProvider(tp, "test", false)

	ctx, run := tracer.StartRunSpan(context.Background(), "run-1", 2, 1)
	taskCtx, task := tracer.StartTaskSpan(ctx, TaskSpanOptions{TaskID: "a", Index: 0, Resource: "svc/m"})
	RecordWait(taskCtx, "svc/m:tokens", 500, 1500*time.Millisecond)
	_, llm := tracer.StartLLMSpan(taskCtx, "llm.chat")
	tracer.EndLLMSpan(llm, LLMSpanOptions{Model: "m", Prompt: "secret"}, nil)
	tracer.EndTaskSpan(task, errors.New("boom"))
	tracer.EndRunSpan(run, RunSpanOptions{Completed: 1, Failed: 1, State: "completed"}, nil)

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(spans))
	}

	llmSpan, taskSpan, runSpan := spans[0], spans[1], spans[2]
	if taskSpan.Parent().SpanID() != runSpan.SpanContext().SpanID() {
		t.Error("task span should be a child of the run span")
	}
	if len(taskSpan.Events()) < 1 || taskSpan.Events()[0].Name != "ratelimit.wait" {
		t.Errorf("task events = %v", taskSpan.Events())
	}
	if taskSpan.Status().Description != "boom" {
		t.Errorf("task status = %v", taskSpan.Status())
	}
	for _, attr := range llmSpan.Attributes() {
		if attr.Key == "llm.prompt" {
			t.Error("prompt recorded without debug")
		}
	}
}

func TestGetTracer_Default(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	_, span := tr.StartRunSpan(context.Background(), "r", 0, 1)
	if span.IsRecording() {
		t.Error("default tracer should not record")
	}
	tr.EndRunSpan(span, RunSpanOptions{}, nil)
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Errorf("truncate = %q", got)
	}
}

func TestProviderConfig_Resolve(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "")

	tests := []struct {
		name         string
		cfg          ProviderConfig
		wantEndpoint string
		wantService  string
	}{
		{"explicit", ProviderConfig{Endpoint: "http://otel:4317", ServiceName: "batch"}, "otel:4317", "batch"},
		{"from environment", ProviderConfig{}, "collector:4318", DefaultServiceName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, err := tt.cfg.endpoint()
			if err != nil {
				t.Fatal(err)
			}
			if endpoint != tt.wantEndpoint {
				t.Errorf("endpoint() = %q, want %q", endpoint, tt.wantEndpoint)
			}
			if got := tt.cfg.serviceName(); got != tt.wantService {
				t.Errorf("serviceName() = %q, want %q", got, tt.wantService)
			}
		})
	}
}
