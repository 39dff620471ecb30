// Tracing wrapper for LLM providers.
package llm

import (
	"context"

	"github.com/vinayprograms/jobkit/telemetry"
)

// TracingProvider wraps a Provider with OpenTelemetry tracing.
type TracingProvider struct {
	provider     Provider
	providerName string
	tracer       *telemetry.Tracer
}

// WithTracing wraps a provider with tracing instrumentation. A nil tracer
// uses the global one at call time.
func WithTracing(p Provider, providerName string, tracer *telemetry.Tracer) Provider {
	return &TracingProvider{
		provider:     p,
		providerName: providerName,
		tracer:       tracer,
	}
}

// Chat implements Provider with tracing.
func (tp *TracingProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	tracer := tp.tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	ctx, span := tracer.StartLLMSpan(ctx, "llm.chat")

	resp, err := tp.provider.Chat(ctx, req)

	opts := telemetry.LLMSpanOptions{
		Provider: tp.providerName,
	}
	if resp != nil {
		opts.Model = resp.Model
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.Response = resp.Content
	}
	if tracer.Debug() {
		opts.Prompt = req.Prompt()
	}

	tracer.EndLLMSpan(span, opts, err)

	return resp, err
}
