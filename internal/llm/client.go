package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/pkg/circuitbreaker"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// Backend is one text-completion service the extraction oracle can ask.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	// JSON asks the backend for a JSON-only reply where it supports that.
	JSON bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client guards a backend with a circuit breaker and a per-call timeout. Every failure
// it returns is an OracleUnavailable error naming the backend.
type Client struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.Logger
}

func NewClient(backend Backend, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm-"+backend.Name(), circuitbreaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		MaxProbes:        1,
		Cooldown:         30 * time.Second,
		Window:           time.Minute,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.BackendBreakerState.WithLabelValues(backend.Name()).Set(float64(to))
		},
		Logger: log,
	})

	return &Client{backend: backend, cb: cb, timeout: timeout, log: log}
}

func (c *Client) Name() string {
	return c.backend.Name()
}

func (c *Client) BreakerState() circuitbreaker.State {
	return c.cb.State()
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result *CompletionResponse
	start := time.Now()

	err := c.cb.Execute(ctx, func() error {
		resp, err := c.backend.Complete(ctx, req)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})

	if err != nil {
		outcome := "error"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			outcome = "circuit_open"
		}
		metrics.BackendOutcomes.WithLabelValues(c.backend.Name(), outcome).Inc()
		return nil, apperrors.NewOracleUnavailable(c.backend.Name(), err)
	}

	c.log.Debug("LLM completion generated",
		zap.String("backend", c.backend.Name()),
		zap.Duration("latency", time.Since(start)),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
	)
	return result, nil
}

// NewClients builds a guarded client for each configured backend, in priority order.
func NewClients(cfgs []config.BackendConfig, log *zap.Logger) ([]*Client, error) {
	clients := make([]*Client, 0, len(cfgs))
	for i, cfg := range cfgs {
		backend, err := newBackend(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create backend %d (%s): %w", i, cfg.Provider, err)
		}
		clients = append(clients, NewClient(backend, time.Duration(cfg.TimeoutSec)*time.Second, log))
	}
	return clients, nil
}

func newBackend(cfg config.BackendConfig) (Backend, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg)
	case "ollama":
		return NewOllama(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func backendName(cfg config.BackendConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	if cfg.Model != "" {
		return cfg.Provider + ":" + cfg.Model
	}
	return cfg.Provider
}
