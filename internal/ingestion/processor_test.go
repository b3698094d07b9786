package ingestion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actor-graph/backend/internal/evidence"
	"github.com/actor-graph/backend/internal/extraction"
	"github.com/actor-graph/backend/internal/queue"
	"github.com/actor-graph/backend/internal/source/web"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

type failingExtractor struct{ err error }

func (f failingExtractor) Extract(ctx context.Context, text string) (*models.Extraction, error) {
	return nil, f.err
}

// editingExtractor runs edit during its first extraction, as if the document were
// resubmitted while its item was processing.
type editingExtractor struct {
	inner Extractor
	edit  func()
	calls int
}

func (e *editingExtractor) Extract(ctx context.Context, text string) (*models.Extraction, error) {
	e.calls++
	if e.calls == 1 && e.edit != nil {
		e.edit()
	}
	return e.inner.Extract(ctx, text)
}

type recordingInvalidator struct{ scopes []string }

func (r *recordingInvalidator) Invalidate(scopeID string) { r.scopes = append(r.scopes, scopeID) }

type pipeline struct {
	store *sqlite.Client
	queue *queue.Queue
	proc  *Processor
	graph *recordingInvalidator
}

func newPipeline(t *testing.T, extractor Extractor) *pipeline {
	t.Helper()
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "ingest.db"), 1000)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	if extractor == nil {
		extractor = extraction.NewOracle(nil, config.OracleConfig{FallbackCap: 0.7, MaxInputChars: 10000}, nil)
	}
	q := queue.New(store, queue.RetryPolicy{MaxAttempts: 2}, nil, nil)
	acc := evidence.NewAccumulator(store, config.EvidenceConfig{
		DiscardThreshold: 0.3, StepPerEvidence: 0.1, ConfidenceCap: 0.9,
	}, nil)
	inv := &recordingInvalidator{}
	return &pipeline{store: store, queue: q, proc: NewProcessor(store, q, extractor, acc, inv, nil), graph: inv}
}

func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	w := queue.NewWorker(p.queue, p.proc.ProcessItem, queue.WorkerConfig{AfterComplete: p.proc.Reconcile}, nil)
	for w.ProcessNext() {
	}
}

func TestSubmitAndExtractEndToEnd(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()

	for i, ref := range []string{"notes/monday.md", "notes/tuesday.md"} {
		res, err := p.proc.Submit(ctx, Submission{
			ScopeID:   "rte-1",
			SourceRef: ref,
			Content:   "Jan works with the Backend team on the Matcher API",
			Tags:      []string{"Jan", "Matcher API"},
		})
		require.NoError(t, err, "submission %d", i)
		assert.True(t, res.Enqueued)
		assert.True(t, res.Changed)
	}
	p.drain(t)

	jan, err := p.store.FindActorByName(ctx, "rte-1", "Jan")
	require.NoError(t, err)
	require.NotNil(t, jan)
	assert.Equal(t, models.ActorPerson, jan.Type)
	assert.Equal(t, 2, jan.MentionCount)

	suggestions, err := p.store.ListSuggestions(ctx, "rte-1", models.SuggestionFilter{})
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "works_with", suggestions[0].Type)
	assert.Equal(t, 2, suggestions[0].EvidenceCount)

	rels, err := p.store.ListRelationships(ctx, "rte-1")
	require.NoError(t, err)
	assert.Empty(t, rels)

	stats, err := p.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Counts[models.QueueComplete])

	tags, err := p.store.DocumentTags(ctx, "rte-1")
	require.NoError(t, err)
	assert.Len(t, tags, 2)
	assert.Contains(t, p.graph.scopes, "rte-1")
}

func TestSubmitUnchangedContentIsNotReEnqueued(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	sub := Submission{ScopeID: "rte-1", SourceRef: "a.md", Content: "Mia manages the Ops team"}

	first, err := p.proc.Submit(ctx, sub)
	require.NoError(t, err)
	require.True(t, first.Enqueued)
	p.drain(t)

	again, err := p.proc.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.False(t, again.Enqueued)
	assert.Equal(t, first.Document.ID, again.Document.ID)

	sub.Force = true
	forced, err := p.proc.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, forced.Enqueued)
}

func TestSubmitValidation(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()

	cases := map[string]Submission{
		"no scope":   {SourceRef: "a", Content: "x"},
		"no source":  {ScopeID: "rte", Content: "x"},
		"no content": {ScopeID: "rte", SourceRef: "a", Content: "  \n "},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.proc.Submit(ctx, sub)
			assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
		})
	}
}

func TestProcessItemFailuresFeedRetryPolicy(t *testing.T) {
	p := newPipeline(t, failingExtractor{err: apperrors.NewOracleUnavailable("all", errors.New("connection refused"))})
	ctx := context.Background()

	res, err := p.proc.Submit(ctx, Submission{ScopeID: "rte-1", SourceRef: "a.md", Content: "Jan owns the Billing Service"})
	require.NoError(t, err)
	p.drain(t)

	item, err := p.queue.Get(ctx, res.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueDead, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.Contains(t, item.ErrorMessage, "connection refused")

	doc, err := p.store.GetDocument(ctx, res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentFailed, doc.ExtractionStatus)
}

func TestNormalizeContentHTML(t *testing.T) {
	html := `<!DOCTYPE html><html><head><title>Team page</title><script>var x = 1;</script></head>
<body><nav>menu</nav><h2>Backend team</h2><p>Jan works with   Mia.</p>
<ul><li>Jan -&gt; Matcher API (owns)</li></ul><footer>copyright</footer></body></html>`

	text, title := normalizeContent(html, "")
	assert.Equal(t, "Team page", title)
	assert.Equal(t, "## Backend team\nJan works with Mia.\n- Jan -> Matcher API (owns)", text)
	assert.NotContains(t, text, "menu")
	assert.NotContains(t, text, "var x")
}

func TestNormalizeContentMarkdown(t *testing.T) {
	text, title := normalizeContent("# Platform  sync\r\n\r\n\r\n\r\nJan   met Mia\r\n", "markdown")
	assert.Equal(t, "Platform sync", title)
	assert.Equal(t, "# Platform sync\n\nJan met Mia", text)
	assert.False(t, strings.Contains(text, "\r"))
}

func TestSubmitFetchesRemoteSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/team" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Platform team</title></head><body><p>Jan works with Mia.</p></body></html>`))
	}))
	defer srv.Close()

	p := newPipeline(t, nil)
	proc := NewProcessor(p.store, p.queue, failingExtractor{}, nil, nil, nil, WithFetcher(web.NewFetcher(0, 0, nil)))
	ctx := context.Background()

	res, err := proc.Submit(ctx, Submission{ScopeID: "rte-1", SourceRef: srv.URL + "/team"})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	assert.Equal(t, "Platform team", res.Document.Title)
	assert.Equal(t, "Jan works with Mia.", res.Document.RawContent)

	_, err = proc.Submit(ctx, Submission{ScopeID: "rte-1", SourceRef: srv.URL + "/gone"})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeSourceUnavailable))

	_, err = p.proc.Submit(ctx, Submission{ScopeID: "rte-1", SourceRef: srv.URL + "/team"})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation), "processors without a fetcher need content")
}

func TestContentChangedDuringExtractionIsEnqueuedAgain(t *testing.T) {
	ext := &editingExtractor{
		inner: extraction.NewOracle(nil, config.OracleConfig{FallbackCap: 0.7, MaxInputChars: 10000}, nil),
	}
	p := newPipeline(t, ext)
	ctx := context.Background()

	sub := Submission{ScopeID: "rte-1", SourceRef: "notes/team.md", Content: "Jan works with the Backend team"}
	_, err := p.proc.Submit(ctx, sub)
	require.NoError(t, err)

	ext.edit = func() {
		edited := sub
		edited.Content = "Mia works with the Platform team"
		res, err := p.proc.Submit(ctx, edited)
		if !assert.NoError(t, err) {
			return
		}
		assert.True(t, res.Changed)
		assert.False(t, res.Enqueued, "the open item absorbs the submission")
	}
	p.drain(t)

	assert.Equal(t, 2, ext.calls)
	stats, err := p.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)

	mia, err := p.store.FindActorByName(ctx, "rte-1", "Mia")
	require.NoError(t, err)
	assert.NotNil(t, mia)
}

func TestReconcileIgnoresUnchangedDocuments(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	_, err := p.proc.Submit(ctx, Submission{ScopeID: "rte-1", SourceRef: "a.md", Content: "Jan works with the Backend team"})
	require.NoError(t, err)
	p.drain(t)

	stats, err := p.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.NoError(t, p.proc.Reconcile(ctx, &models.QueueItem{ID: 999, DocumentID: "missing"}))
}
