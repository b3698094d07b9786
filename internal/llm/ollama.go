package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/actor-graph/backend/pkg/config"
)

const defaultOllamaModel = "llama3.2:3b"

// Ollama asks a local or remote Ollama server. Without a BaseURL the client reads
// OLLAMA_HOST.
type Ollama struct {
	client      *api.Client
	name        string
	model       string
	temperature float32
	maxTokens   int
}

func NewOllama(cfg config.BackendConfig) (*Ollama, error) {
	var client *api.Client
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ollama url: %w", err)
		}
		client = api.NewClient(base, http.DefaultClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}

	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}

	return &Ollama{
		client:      client,
		name:        backendName(cfg),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (o *Ollama) Name() string {
	return o.name
}

func (o *Ollama) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	stream := false
	genReq := &api.GenerateRequest{
		Model:  o.model,
		System: req.SystemPrompt,
		Prompt: req.UserPrompt,
		Stream: &stream,
	}
	if req.JSON {
		genReq.Format = json.RawMessage(`"json"`)
	}

	options := map[string]any{}
	if t := firstNonZero(req.Temperature, o.temperature); t != 0 {
		options["temperature"] = t
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	if len(options) > 0 {
		genReq.Options = options
	}

	var resp CompletionResponse
	err := o.client.Generate(ctx, genReq, func(r api.GenerateResponse) error {
		resp.Content += r.Response
		if r.Done {
			resp.Usage = Usage{
				PromptTokens:     r.PromptEvalCount,
				CompletionTokens: r.EvalCount,
				TotalTokens:      r.PromptEvalCount + r.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama generation failed: %w", err)
	}
	return &resp, nil
}

func firstNonZero(values ...float32) float32 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
