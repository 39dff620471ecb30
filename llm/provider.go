// Package llm provides the model providers interviews call.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message represents an LLM message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ChatRequest represents a chat request to the LLM.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Prompt joins the request messages as "[role] content" lines.
func (r ChatRequest) Prompt() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}
	return strings.Join(parts, "\n")
}

// ChatResponse represents a chat response from the LLM.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Config holds what a service needs to build a provider for one model.
type Config struct {
	Model     string      `json:"model"`
	APIKey    string      `json:"api_key"`
	BaseURL   string      `json:"base_url"` // Custom API endpoint
	MaxTokens int         `json:"max_tokens"`
	Retry     RetryConfig `json:"retry"`
}

// DefaultMaxTokens caps responses when the config leaves MaxTokens unset.
const DefaultMaxTokens = 1024

// RetryConfig holds retry settings for LLM calls.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // Max retry attempts (default 2)
	MaxBackoff  time.Duration `json:"max_backoff"`  // Max backoff duration (default 30s)
	InitBackoff time.Duration `json:"init_backoff"` // Initial backoff (default 1s)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values.
func (c *Config) ApplyDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// --- Mock Provider for Testing ---

// MockProvider is a scripted LLM provider for tests. It is safe for
// concurrent use.
type MockProvider struct {
	mu           sync.Mutex
	response     string
	stopReason   string
	inputTokens  int
	outputTokens int
	lastRequest  *ChatRequest
	err          error
	callCount    int

	// ChatFunc can be overridden for custom behavior
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		stopReason: "end_turn",
	}
}

// SetResponse sets the response content.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// SetTokenCounts sets the token counts.
func (p *MockProvider) SetTokenCounts(input, output int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputTokens = input
	p.outputTokens = output
}

// SetStopReason sets the stop reason.
func (p *MockProvider) SetStopReason(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopReason = reason
}

// SetError sets an error to return.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// LastRequest returns the last request.
func (p *MockProvider) LastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}

// CallCount returns the number of Chat calls made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Reset resets the call count.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callCount = 0
}

// Chat implements the Provider interface.
func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.callCount++
	p.lastRequest = &req
	chatFunc := p.ChatFunc
	resp := &ChatResponse{
		Content:      p.response,
		StopReason:   p.stopReason,
		InputTokens:  p.inputTokens,
		OutputTokens: p.outputTokens,
		Model:        "mock",
	}
	err := p.err
	p.mu.Unlock()

	if chatFunc != nil {
		return chatFunc(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// --- Test service provider ---

// DefaultTestResponse is what the test service answers with.
const DefaultTestResponse = "Hello, world"

// TestProvider answers every request with a canned response after a short
// delay. It backs the "test" service so runs can be exercised offline.
type TestProvider struct {
	Response string
	Delay    time.Duration
	Model    string
}

// NewTestProvider creates a test provider answering after 100ms.
func NewTestProvider(cfg Config) (Provider, error) {
	model := cfg.Model
	if model == "" {
		model = "test"
	}
	return &TestProvider{
		Response: DefaultTestResponse,
		Delay:    100 * time.Millisecond,
		Model:    model,
	}, nil
}

// Chat implements the Provider interface.
func (p *TestProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.Delay > 0 {
		timer := time.NewTimer(p.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return &ChatResponse{
		Content:      p.Response,
		StopReason:   "end_turn",
		InputTokens:  len(req.Prompt()) / 4,
		OutputTokens: len(p.Response) / 4,
		Model:        p.Model,
	}, nil
}
