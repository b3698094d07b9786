package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actor-graph/backend/internal/llm"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

type stubCompleter struct {
	name   string
	reply  string
	err    error
	calls  int
	prompt string
}

func (s *stubCompleter) Name() string { return s.name }

func (s *stubCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.calls++
	s.prompt = req.UserPrompt
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.reply}, nil
}

func oracleConfig() config.OracleConfig {
	return config.OracleConfig{MaxInputChars: 1000, FallbackCap: 0.7}
}

const sentence = "Jan works with the Backend team on the Matcher API"

func TestOracleUsesFirstParseableBackend(t *testing.T) {
	down := &stubCompleter{name: "down", err: apperrors.NewOracleUnavailable("down", errors.New("refused"))}
	garbled := &stubCompleter{name: "garbled", reply: "I think Jan is a person."}
	good := &stubCompleter{name: "good", reply: `{"entities":[{"name":"Jan","type":"person","confidence":0.9}],"confidence":0.9}`}
	unused := &stubCompleter{name: "unused", reply: `{}`}

	o := NewOracle([]Completer{down, garbled, good, unused}, oracleConfig(), nil)
	ext, err := o.Extract(context.Background(), sentence)
	require.NoError(t, err)

	assert.Equal(t, "good", ext.Backend)
	assert.False(t, ext.Degraded)
	assert.Equal(t, 0.9, ext.Confidence)
	assert.Equal(t, 1, down.calls)
	assert.Equal(t, 1, garbled.calls)
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 0, unused.calls)
	assert.Contains(t, good.prompt, sentence)
}

func TestOracleFallsBackToPatterns(t *testing.T) {
	garbled := &stubCompleter{name: "garbled", reply: "```json\n{broken\n```"}

	o := NewOracle([]Completer{garbled}, oracleConfig(), nil)
	ext, err := o.Extract(context.Background(), sentence)
	require.NoError(t, err)

	assert.Equal(t, "pattern", ext.Backend)
	assert.True(t, ext.Degraded)
	assert.NotEmpty(t, ext.Entities)
	for _, e := range ext.Entities {
		assert.LessOrEqual(t, e.Confidence, 0.7)
	}
}

func TestOracleWithoutBackends(t *testing.T) {
	o := NewOracle(nil, oracleConfig(), nil)
	ext, err := o.Extract(context.Background(), sentence)
	require.NoError(t, err)
	assert.True(t, ext.Degraded)
}

func TestOracleRequireBackend(t *testing.T) {
	cfg := oracleConfig()
	cfg.RequireBackend = true

	garbled := &stubCompleter{name: "garbled", reply: "nope"}
	o := NewOracle([]Completer{garbled}, cfg, nil)
	_, err := o.Extract(context.Background(), sentence)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeOracleUnavailable))
	assert.True(t, apperrors.IsRetryable(err))

	o = NewOracle(nil, cfg, nil)
	_, err = o.Extract(context.Background(), sentence)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeOracleUnavailable))
}

func TestOracleCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := &stubCompleter{name: "b", reply: `{}`}
	o := NewOracle([]Completer{backend}, oracleConfig(), nil)
	_, err := o.Extract(ctx, sentence)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, backend.calls)
}

func TestOracleTruncatesInput(t *testing.T) {
	cfg := oracleConfig()
	cfg.MaxInputChars = 10

	backend := &stubCompleter{name: "b", reply: `{}`}
	o := NewOracle([]Completer{backend}, cfg, nil)
	_, err := o.Extract(context.Background(), "héllo wörld and more text")
	require.NoError(t, err)
	assert.NotContains(t, backend.prompt, "more")
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "abc", truncateText("abc", 10))
	assert.Equal(t, "abc", truncateText("abcdef", 3))
	assert.Equal(t, "h", truncateText("hé", 2), "never splits a rune")
	assert.Equal(t, "abcdef", truncateText("abcdef", 0))
}
