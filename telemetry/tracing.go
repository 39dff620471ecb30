// OpenTelemetry tracing for runs, tasks and model calls.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with run-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include prompts and answers in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracerFromProvider creates a tracer backed by an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// --- Run Spans ---

// RunSpanOptions contains the summary recorded on a run span.
type RunSpanOptions struct {
	Completed int
	Failed    int
	State     string
}

// StartRunSpan starts the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string, total, maxConcurrent int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.total", total),
		attribute.Int("run.max_concurrent", maxConcurrent),
	)
	return ctx, span
}

// EndRunSpan ends a run span with its summary.
func (t *Tracer) EndRunSpan(span trace.Span, opts RunSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("run.completed", opts.Completed),
		attribute.Int("run.failed", opts.Failed),
		attribute.String("run.state", opts.State),
	)
	endSpan(span, err)
}

// --- Task Spans ---

// TaskSpanOptions contains options for task spans.
type TaskSpanOptions struct {
	TaskID   string
	Index    int
	Resource string
}

// StartTaskSpan starts a span for one task of a run.
func (t *Tracer) StartTaskSpan(ctx context.Context, opts TaskSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.id", opts.TaskID),
		attribute.Int("task.index", opts.Index),
		attribute.String("task.resource", opts.Resource),
	)
	return ctx, span
}

// EndTaskSpan ends a task span.
func (t *Tracer) EndTaskSpan(span trace.Span, err error) {
	endSpan(span, err)
}

// RecordWait adds a rate limiter wait to the span in ctx.
func RecordWait(ctx context.Context, bucket string, amount float64, wait time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("ratelimit.wait", trace.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.Float64("amount", amount),
		attribute.Int64("wait_ms", wait.Milliseconds()),
	))
}

// --- LLM Spans ---

// LLMSpanOptions contains options for LLM call spans.
type LLMSpanOptions struct {
	Model     string
	Provider  string
	TokensIn  int
	TokensOut int
	Cached    bool
	Prompt    string // Only included if debug=true
	Response  string // Only included if debug=true
}

// StartLLMSpan starts a span for an LLM call.
func (t *Tracer) StartLLMSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndLLMSpan ends an LLM span with attributes.
func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.model", opts.Model),
		attribute.String("llm.provider", opts.Provider),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
		attribute.Bool("llm.cached", opts.Cached),
	}

	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}

	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Helpers ---

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
