package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/actor-graph/backend/pkg/config"
)

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

// Anthropic asks the Messages API. The ANTHROPIC_API_KEY environment variable takes
// precedence over a configured key.
type Anthropic struct {
	client      anthropic.Client
	name        string
	model       anthropic.Model
	temperature float32
	maxTokens   int
}

func NewAnthropic(cfg config.BackendConfig) (*Anthropic, error) {
	apiKey := cfg.APIKey
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic backend needs an api key")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// the queue owns retries
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		name:        backendName(cfg),
		model:       anthropic.Model(model),
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (a *Anthropic) Name() string {
	return a.name
}

func (a *Anthropic) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if t := firstNonZero(req.Temperature, a.temperature); t != 0 {
		params.Temperature = anthropic.Float(float64(t))
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("unexpected response format: no text blocks")
	}

	return &CompletionResponse{
		Content: text.String(),
		Usage: Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}, nil
}
