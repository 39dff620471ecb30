package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMockProvider_Chat(t *testing.T) {
	provider := NewMockProvider()
	provider.SetResponse("Hello from LLM")
	provider.SetTokenCounts(100, 50)

	resp, err := provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("chat error: %v", err)
	}

	if resp.Content != "Hello from LLM" {
		t.Errorf("expected 'Hello from LLM', got %s", resp.Content)
	}
	if resp.InputTokens != 100 || resp.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %s", resp.StopReason)
	}
	if provider.LastRequest().Messages[0].Content != "Hello" {
		t.Error("last request not recorded")
	}
}

func TestMockProvider_Error(t *testing.T) {
	provider := NewMockProvider()
	provider.SetError(fmt.Errorf("boom"))

	if _, err := provider.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMockProvider_Concurrent(t *testing.T) {
	provider := NewMockProvider()
	provider.SetResponse("ok")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			provider.Chat(context.Background(), ChatRequest{})
		}()
	}
	wg.Wait()

	if provider.CallCount() != 50 {
		t.Errorf("CallCount() = %d, want 50", provider.CallCount())
	}
	provider.Reset()
	if provider.CallCount() != 0 {
		t.Error("Reset should clear the call count")
	}
}

func TestMockProvider_ChatFunc(t *testing.T) {
	provider := NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		return &ChatResponse{Content: strings.ToUpper(req.Messages[0].Content)}, nil
	}

	resp, _ := provider.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if resp.Content != "HI" {
		t.Errorf("got %s", resp.Content)
	}
}

func TestChatRequest_Prompt(t *testing.T) {
	req := ChatRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "why?"},
	}}
	if got := req.Prompt(); got != "[system] be brief\n[user] why?" {
		t.Errorf("Prompt() = %q", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Model: "m", APIKey: "k", MaxTokens: 10}, false},
		{"max tokens defaulted later", Config{Model: "m", APIKey: "k"}, false},
		{"no model", Config{APIKey: "k"}, true},
		{"no key", Config{Model: "m"}, true},
		{"negative max tokens", Config{Model: "m", APIKey: "k", MaxTokens: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d", cfg.MaxTokens)
	}
}

func TestTestProvider(t *testing.T) {
	p, err := NewTestProvider(Config{Model: "echo"})
	if err != nil {
		t.Fatal(err)
	}
	tp := p.(*TestProvider)
	tp.Delay = 5 * time.Millisecond

	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "12345678"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != DefaultTestResponse || resp.Model != "echo" {
		t.Errorf("resp = %+v", resp)
	}

	tp.Delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); err == nil {
		t.Error("expected cancellation error")
	}
}
