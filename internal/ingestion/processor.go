package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/evidence"
	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/queue"
	"github.com/actor-graph/backend/internal/source/web"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	apperrors "github.com/actor-graph/backend/pkg/errors"
	"github.com/actor-graph/backend/pkg/utils"
)

var (
	whitespace   = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
	markdownHead = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// Extractor turns document text into an extraction.
type Extractor interface {
	Extract(ctx context.Context, text string) (*models.Extraction, error)
}

// EvidenceSink records an extraction for a scope.
type EvidenceSink interface {
	Save(ctx context.Context, ext *models.Extraction, scopeID, sourceDocRef string) (*evidence.SaveResult, error)
}

type Invalidator interface {
	Invalidate(scopeID string)
}

// Submission is a document handed to the pipeline.
type Submission struct {
	ScopeID     string   `json:"scope_id"`
	SourceRef   string   `json:"source_ref"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Tags        []string `json:"tags"`
	Force       bool     `json:"force"`
}

type SubmitResult struct {
	Document *models.Document  `json:"document"`
	Item     *models.QueueItem `json:"queue_item,omitempty"`
	Changed  bool              `json:"changed"`
	Enqueued bool              `json:"enqueued"`
}

// Processor stores submitted documents, enqueues them and runs the extraction for each
// claimed queue item.
type Processor struct {
	db        *sqlite.Client
	queue     *queue.Queue
	extractor Extractor
	sink      EvidenceSink
	graph     Invalidator
	fetcher   Fetcher
	log       *zap.Logger

	// content hash each processed item extracted, keyed by item id, until Reconcile
	mu        sync.Mutex
	extracted map[int64]string
}

// Fetcher loads the content of submissions that only name a remote source.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*web.Page, error)
}

type Option func(*Processor)

func WithFetcher(f Fetcher) Option {
	return func(p *Processor) { p.fetcher = f }
}

func NewProcessor(db *sqlite.Client, q *queue.Queue, extractor Extractor, sink EvidenceSink, graph Invalidator, log *zap.Logger, opts ...Option) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		db:        db,
		queue:     q,
		extractor: extractor,
		sink:      sink,
		graph:     graph,
		log:       log,
		extracted: make(map[int64]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit stores a document and enqueues it when its content changed or Force is set.
func (p *Processor) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	sub.ScopeID = strings.TrimSpace(sub.ScopeID)
	sub.SourceRef = strings.TrimSpace(sub.SourceRef)
	if sub.ScopeID == "" {
		return nil, apperrors.NewValidation("scope_id", "required")
	}
	if sub.SourceRef == "" {
		return nil, apperrors.NewValidation("source_ref", "required")
	}

	if strings.TrimSpace(sub.Content) == "" && p.fetcher != nil && web.IsRemote(sub.SourceRef) {
		page, err := p.fetcher.Fetch(ctx, sub.SourceRef)
		if err != nil {
			metrics.DocumentsSubmitted.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("failed to fetch document: %w", err)
		}
		sub.Content = page.Body
		if sub.ContentType == "" {
			sub.ContentType = page.ContentType
		}
		if strings.TrimSpace(sub.Title) == "" {
			sub.Title = page.Title
		}
	}

	text, title := normalizeContent(sub.Content, sub.ContentType)
	if text == "" {
		metrics.DocumentsSubmitted.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewValidation("content", "no text content")
	}
	if t := strings.TrimSpace(sub.Title); t != "" {
		title = t
	}
	if title == "" {
		title = sub.SourceRef
	}

	doc := &models.Document{
		ID:          utils.DocumentID(sub.ScopeID, sub.SourceRef),
		ScopeID:     sub.ScopeID,
		SourceRef:   sub.SourceRef,
		Title:       title,
		RawContent:  text,
		ContentHash: utils.ContentHash(text),
	}

	var changed bool
	err := p.db.InTx(ctx, func(tx *sqlite.Queries) error {
		var err error
		if changed, err = tx.UpsertDocument(ctx, doc); err != nil {
			return err
		}
		if sub.Tags != nil {
			return tx.ReplaceDocumentTags(ctx, doc.ID, sub.Tags)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	if sub.Tags != nil && p.graph != nil {
		p.graph.Invalidate(sub.ScopeID)
	}

	result := &SubmitResult{Document: doc, Changed: changed}
	if changed || sub.Force {
		item, created, err := p.queue.Enqueue(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue document: %w", err)
		}
		result.Item = item
		result.Enqueued = created
	}

	label := "unchanged"
	if result.Enqueued {
		label = "enqueued"
	}
	metrics.DocumentsSubmitted.WithLabelValues(label).Inc()

	p.log.Info("Document submitted",
		zap.String("document_id", doc.ID),
		zap.String("scope_id", doc.ScopeID),
		zap.String("source_ref", doc.SourceRef),
		zap.Bool("changed", changed),
		zap.Bool("enqueued", result.Enqueued),
	)
	return result, nil
}

// ProcessItem is the queue handler: it extracts the item's document and records the
// evidence in the document's scope.
func (p *Processor) ProcessItem(ctx context.Context, item *models.QueueItem) error {
	start := time.Now()

	doc, err := p.db.GetDocument(ctx, item.DocumentID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(doc.ScopeID) == "" {
		return apperrors.NewValidation("scope_id", "document has no scope")
	}

	ext, err := p.extractor.Extract(ctx, doc.RawContent)
	if err != nil {
		return fmt.Errorf("failed to extract document %s: %w", doc.ID, err)
	}

	res, err := p.sink.Save(ctx, ext, doc.ScopeID, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to save evidence for %s: %w", doc.ID, err)
	}

	p.mu.Lock()
	p.extracted[item.ID] = doc.ContentHash
	p.mu.Unlock()

	p.log.Info("Document extracted",
		zap.String("document_id", doc.ID),
		zap.Int64("item_id", item.ID),
		zap.String("backend", ext.Backend),
		zap.Bool("degraded", ext.Degraded),
		zap.Int("entities", len(ext.Entities)),
		zap.Int("relationships", len(ext.Relationships)),
		zap.Int("actors_written", res.ActorsWritten),
		zap.Int("suggestions_written", res.SuggestionsWritten),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Reconcile runs after an item completes. When the document was resubmitted with new
// content while the item was processing, the enqueue was a no-op and the new content
// was never extracted; Reconcile enqueues it again.
func (p *Processor) Reconcile(ctx context.Context, item *models.QueueItem) error {
	p.mu.Lock()
	hash, ok := p.extracted[item.ID]
	delete(p.extracted, item.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	doc, err := p.db.GetDocument(ctx, item.DocumentID)
	if err != nil {
		return err
	}
	if doc.ContentHash == hash {
		return nil
	}

	next, created, err := p.queue.Enqueue(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to re-enqueue document %s: %w", doc.ID, err)
	}
	if created {
		p.log.Info("Document changed during extraction, enqueued again",
			zap.String("document_id", doc.ID),
			zap.Int64("item_id", next.ID))
	}
	return nil
}

// normalizeContent returns plain text for extraction and a title found in the content.
func normalizeContent(content, contentType string) (string, string) {
	if contentType == "html" || (contentType == "" && looksLikeHTML(content)) {
		return cleanHTML(content), extractTitle(content)
	}

	text := strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(whitespace.ReplaceAllString(l, " "))
	}
	text = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")

	var title string
	if m := markdownHead.FindStringSubmatch(text); m != nil {
		title = strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text), title
}

func looksLikeHTML(content string) bool {
	head := strings.ToLower(content[:min(len(content), 512)])
	return strings.Contains(head, "<html") || strings.Contains(head, "<body") || strings.Contains(head, "<!doctype html")
}

func cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	// keep block boundaries so sentences and headers stay apart
	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, td, pre, blockquote").Each(func(i int, s *goquery.Selection) {
		if s.Find("p, li").Length() > 0 {
			return
		}
		line := strings.TrimSpace(whitespace.ReplaceAllString(strings.ReplaceAll(s.Text(), "\n", " "), " "))
		if line == "" {
			return
		}
		switch name := goquery.NodeName(s); {
		case len(name) == 2 && name[0] == 'h':
			line = strings.Repeat("#", int(name[1]-'0')) + " " + line
		case name == "li":
			line = "- " + line
		}
		lines = append(lines, line)
	})
	if len(lines) > 0 {
		return strings.Join(lines, "\n")
	}

	text := whitespace.ReplaceAllString(strings.ReplaceAll(doc.Find("body").Text(), "\n", " "), " ")
	return strings.TrimSpace(text)
}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}
