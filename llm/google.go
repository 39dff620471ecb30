package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleProvider implements the Provider interface using the official Google Gemini SDK.
type GoogleProvider struct {
	client    *genai.Client
	modelName string
	maxTokens int
	retry     RetryConfig
}

// NewGoogleProvider creates a new Google Gemini provider using the official SDK.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for google")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for google")
	}
	cfg.ApplyDefaults()

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}

	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleProvider{
		client:    client,
		modelName: cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}, nil
}

// Close closes the underlying client.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// Chat implements the Provider interface.
func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	// A GenerativeModel carries per-request settings, so each call gets its
	// own to stay safe under concurrent interviews.
	model := p.client.GenerativeModel(p.modelName)
	maxTokens := int32(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	model.SetMaxOutputTokens(maxTokens)
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}

	cs := model.StartChat()
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(m.Content)},
			}
		case "user":
			cs.History = append(cs.History, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		case "assistant":
			cs.History = append(cs.History, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}
	}

	// The last user message is sent as the prompt.
	var prompt string
	if n := len(cs.History); n > 0 && cs.History[n-1].Role == "user" {
		last := cs.History[n-1]
		cs.History = cs.History[:n-1]
		if text, ok := last.Parts[0].(genai.Text); ok {
			prompt = string(text)
		}
	}

	var resp *genai.GenerateContentResponse
	err := withRetry(ctx, "google", p.retry, func(ctx context.Context) error {
		var err error
		resp, err = cs.SendMessage(ctx, genai.Text(prompt))
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &ChatResponse{
		Model: p.modelName,
	}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.FinishReason != 0 {
			result.StopReason = candidate.FinishReason.String()
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					result.Content += string(text)
				}
			}
		}
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}
