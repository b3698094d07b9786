package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/llm"
	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// defaultBackendConfidence is used for entities and relationships a backend returns
// without a confidence of their own.
const defaultBackendConfidence = 0.75

const systemPrompt = `You extract actors and their relationships from organisational documents
(meeting notes, planning boards, team pages).

Actor types: person, role, team, system, organization, project, location, technology.
Relationship types are short snake_case verbs such as works_with, reports_to, owns, uses,
depends_on, manages, member_of, communicates_with, supports.

Only report what the text states. Give every item a confidence between 0 and 1.

Return JSON only:
{
  "entities": [
    {"name": "Jan", "type": "person", "role": "Developer", "team": "Backend team", "confidence": 0.9}
  ],
  "relationships": [
    {"source": "Jan", "target": "Backend team", "type": "member_of", "context": "Jan works in the Backend team", "confidence": 0.8}
  ],
  "confidence": 0.85
}`

// Completer is the part of an llm client the oracle needs.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Oracle turns document text into a structured extraction. Backends are asked in order;
// the first parseable reply wins. When all fail the pattern extractor answers unless a
// backend is required.
type Oracle struct {
	backends       []Completer
	fallback       *PatternExtractor
	maxInputChars  int
	requireBackend bool
	log            *zap.Logger
}

func NewOracle(backends []Completer, cfg config.OracleConfig, log *zap.Logger) *Oracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{
		backends:       backends,
		fallback:       NewPatternExtractor(cfg.FallbackCap, cfg.UseProse, log),
		maxInputChars:  cfg.MaxInputChars,
		requireBackend: cfg.RequireBackend,
		log:            log,
	}
}

// Completers adapts llm clients to the oracle's backend list.
func Completers(clients []*llm.Client) []Completer {
	out := make([]Completer, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

func (o *Oracle) Extract(ctx context.Context, text string) (*models.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = truncateText(strings.TrimSpace(text), o.maxInputChars)
	if text == "" {
		return &models.Extraction{Backend: o.fallback.Name(), Degraded: true}, nil
	}

	var lastErr error
	for _, backend := range o.backends {
		start := time.Now()
		ext, err := o.ask(ctx, backend, text)
		metrics.ExtractionDuration.WithLabelValues(backend.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ExtractionConfidence.Observe(ext.Confidence)
			o.log.Debug("Extraction complete",
				zap.String("backend", ext.Backend),
				zap.Int("entities", len(ext.Entities)),
				zap.Int("relationships", len(ext.Relationships)))
			return ext, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("extraction interrupted: %w", ctxErr)
		}
		o.log.Warn("Extraction backend failed, trying next",
			zap.String("backend", backend.Name()),
			zap.Error(err))
		lastErr = err
	}

	if o.requireBackend {
		if lastErr == nil {
			lastErr = fmt.Errorf("no extraction backends configured")
		}
		return nil, apperrors.NewOracleUnavailable("all", lastErr)
	}

	start := time.Now()
	ext := o.fallback.Extract(text)
	metrics.ExtractionDuration.WithLabelValues(ext.Backend).Observe(time.Since(start).Seconds())
	metrics.ExtractionConfidence.Observe(ext.Confidence)
	metrics.BackendOutcomes.WithLabelValues(ext.Backend, "fallback").Inc()
	return ext, nil
}

func (o *Oracle) ask(ctx context.Context, backend Completer, text string) (*models.Extraction, error) {
	resp, err := backend.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   "Document:\n\n" + text,
		JSON:         true,
	})
	if err != nil {
		return nil, err
	}
	ext, err := ParseReply(backend.Name(), resp.Content, defaultBackendConfidence)
	if err != nil {
		metrics.BackendOutcomes.WithLabelValues(backend.Name(), "parse_error").Inc()
		return nil, err
	}
	return ext, nil
}

func truncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[:limit]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
