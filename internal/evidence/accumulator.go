package evidence

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/extraction"
	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// Projector mirrors confirmed graph facts into an external graph database.
type Projector interface {
	UpsertActor(ctx context.Context, actor *models.Actor) error
	UpsertRelationship(ctx context.Context, rel *models.Relationship) error
}

// Invalidator drops derived views of a scope after its facts change.
type Invalidator interface {
	Invalidate(scopeID string)
}

// SaveResult counts what one Save wrote.
type SaveResult struct {
	ActorsWritten        int `json:"actors_written"`
	RelationshipsWritten int `json:"relationships_written"`
	SuggestionsWritten   int `json:"suggestions_written"`
	SuggestionsCreated   int `json:"suggestions_created"`
	SuggestionsUpdated   int `json:"suggestions_updated"`
	Discarded            int `json:"discarded"`
	Blocked              int `json:"blocked"`
	AlreadyConfirmed     int `json:"already_confirmed"`
}

// Accumulator owns every write to actors, suggestions and relationships. Relationships
// observed in extractions only ever become suggestions; confidence grows with repeated
// evidence until a review promotes them.
type Accumulator struct {
	store     *sqlite.Client
	cfg       config.EvidenceConfig
	projector Projector
	graph     Invalidator
	log       *zap.Logger
}

type Option func(*Accumulator)

// WithProjector mirrors approved relationships into the graph database.
func WithProjector(p Projector) Option {
	return func(a *Accumulator) { a.projector = p }
}

func WithInvalidator(inv Invalidator) Option {
	return func(a *Accumulator) { a.graph = inv }
}

func NewAccumulator(store *sqlite.Client, cfg config.EvidenceConfig, log *zap.Logger, opts ...Option) *Accumulator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConfidenceCap <= 0 || cfg.ConfidenceCap > 1 {
		cfg.ConfidenceCap = 0.9
	}
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = 5
	}
	if cfg.ContextMaxLen <= 0 {
		cfg.ContextMaxLen = 200
	}
	if cfg.MaxSourceDocs <= 0 {
		cfg.MaxSourceDocs = 20
	}
	if cfg.AutoPromoteMinEvidence < config.MinPromotionEvidence {
		cfg.AutoPromoteMinEvidence = config.MinPromotionEvidence
	}
	if cfg.ImplicitActorConfidence <= 0 {
		cfg.ImplicitActorConfidence = 0.3
	}
	a := &Accumulator{store: store, cfg: cfg, log: log}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SimmeredConfidence is the confidence of a suggestion backed by evidenceCount observations.
func (a *Accumulator) SimmeredConfidence(base float64, evidenceCount int) float64 {
	if evidenceCount < 1 {
		evidenceCount = 1
	}
	return math.Min(a.cfg.ConfidenceCap, base+a.cfg.StepPerEvidence*float64(evidenceCount-1))
}

// Save writes one extraction for a scope in a single transaction. sourceDocRef is
// recorded as provenance on every suggestion it touches.
func (a *Accumulator) Save(ctx context.Context, ext *models.Extraction, scopeID, sourceDocRef string) (*SaveResult, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, apperrors.NewValidation("scope_id", "required")
	}
	if ext == nil {
		return nil, apperrors.NewValidation("extraction", "required")
	}

	result := &SaveResult{}
	var promoted []*models.Relationship

	err := a.store.InTx(ctx, func(q *sqlite.Queries) error {
		*result = SaveResult{}
		promoted = promoted[:0]

		r := newResolver(q, scopeID, a.cfg.ImplicitActorConfidence)
		for _, e := range ext.Entities {
			if err := r.upsert(ctx, e); err != nil {
				return err
			}
		}

		for _, rel := range ext.Relationships {
			res, confirmed, err := a.observe(ctx, q, r, scopeID, sourceDocRef, rel)
			if err != nil {
				return err
			}
			switch res {
			case outcomeCreated:
				result.SuggestionsCreated++
			case outcomeUpdated:
				result.SuggestionsUpdated++
			case outcomeDiscarded:
				result.Discarded++
			case outcomeBlocked:
				result.Blocked++
			case outcomeConfirmed:
				result.AlreadyConfirmed++
			}
			if confirmed != nil {
				promoted = append(promoted, confirmed)
			}
		}

		result.ActorsWritten = r.written
		result.SuggestionsWritten = result.SuggestionsCreated + result.SuggestionsUpdated
		result.RelationshipsWritten = len(promoted)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save extraction: %w", err)
	}

	metrics.ActorsWritten.Add(float64(result.ActorsWritten))
	metrics.SuggestionOutcomes.WithLabelValues("created").Add(float64(result.SuggestionsCreated))
	metrics.SuggestionOutcomes.WithLabelValues("simmered").Add(float64(result.SuggestionsUpdated))
	metrics.SuggestionOutcomes.WithLabelValues("discarded").Add(float64(result.Discarded))
	metrics.SuggestionOutcomes.WithLabelValues("blocked").Add(float64(result.Blocked))

	for _, rel := range promoted {
		a.project(ctx, rel)
	}
	if result.ActorsWritten > 0 || result.RelationshipsWritten > 0 {
		a.invalidate(scopeID)
	}

	a.log.Debug("Extraction saved",
		zap.String("scope_id", scopeID),
		zap.String("source", sourceDocRef),
		zap.Int("actors", result.ActorsWritten),
		zap.Int("suggestions_created", result.SuggestionsCreated),
		zap.Int("suggestions_updated", result.SuggestionsUpdated),
		zap.Int("discarded", result.Discarded),
		zap.Int("blocked", result.Blocked))
	return result, nil
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeDiscarded
	outcomeBlocked
	outcomeConfirmed
)

// observe routes one relationship observation into the suggestion table. The returned
// relationship is non-nil when auto-promotion confirmed the suggestion.
func (a *Accumulator) observe(ctx context.Context, q *sqlite.Queries, r *resolver, scopeID, docRef string, rel models.ExtractedRelationship) (outcome, *models.Relationship, error) {
	confidence := extraction.Clamp(rel.Confidence, 1)
	if confidence < a.cfg.DiscardThreshold {
		return outcomeDiscarded, nil, nil
	}
	relType := extraction.NormalizeRelationType(rel.Type)

	source, err := r.resolve(ctx, rel.Source)
	if err != nil {
		return 0, nil, err
	}
	target, err := r.resolve(ctx, rel.Target)
	if err != nil {
		return 0, nil, err
	}
	if source == nil || target == nil || source.ID == target.ID {
		return outcomeDiscarded, nil, nil
	}

	dismissed, err := q.IsDismissed(ctx, scopeID, source.ID, target.ID, relType)
	if err != nil {
		return 0, nil, err
	}
	if dismissed {
		return outcomeBlocked, nil, nil
	}

	// a confirmed relationship needs no further evidence
	confirmed, err := q.FindRelationship(ctx, scopeID, source.ID, target.ID, relType)
	if err != nil {
		return 0, nil, err
	}
	if confirmed != nil {
		return outcomeConfirmed, nil, nil
	}

	now := time.Now()
	existing, err := q.FindActiveSuggestion(ctx, scopeID, source.ID, target.ID, relType)
	if err != nil {
		return 0, nil, err
	}

	var sg *models.Suggestion
	result := outcomeUpdated
	if existing == nil {
		base := math.Min(confidence, a.cfg.ConfidenceCap)
		sg = &models.Suggestion{
			ScopeID:        scopeID,
			SourceID:       source.ID,
			TargetID:       target.ID,
			Type:           relType,
			Confidence:     base,
			BaseConfidence: base,
			EvidenceCount:  1,
			SourceDocs:     a.appendSourceDoc(nil, docRef),
			Contexts:       a.appendContext(nil, rel.Context),
			LastSeenAt:     now,
		}
		if err := q.InsertSuggestion(ctx, sg); err != nil {
			return 0, nil, err
		}
		result = outcomeCreated
	} else {
		sg = existing
		sg.EvidenceCount++
		sg.Confidence = math.Max(sg.Confidence, a.SimmeredConfidence(sg.BaseConfidence, sg.EvidenceCount))
		sg.SourceDocs = a.appendSourceDoc(sg.SourceDocs, docRef)
		sg.Contexts = a.appendContext(sg.Contexts, rel.Context)
		sg.LastSeenAt = now
		if err := q.UpdateSuggestion(ctx, sg); err != nil {
			return 0, nil, err
		}
	}

	if a.cfg.AutoPromote && a.promotable(sg) {
		confirmed, err := a.promote(ctx, q, sg)
		if err != nil {
			return 0, nil, err
		}
		return result, confirmed, nil
	}
	return result, nil, nil
}

func (a *Accumulator) promotable(sg *models.Suggestion) bool {
	return sg.Active() &&
		sg.EvidenceCount >= a.cfg.AutoPromoteMinEvidence &&
		sg.Confidence >= a.cfg.AutoPromoteMinConfidence
}

// appendSourceDoc keeps source documents unique and bounded, dropping the oldest.
func (a *Accumulator) appendSourceDoc(docs []string, ref string) []string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return docs
	}
	for _, d := range docs {
		if d == ref {
			return docs
		}
	}
	docs = append(docs, ref)
	if over := len(docs) - a.cfg.MaxSourceDocs; over > 0 {
		docs = docs[over:]
	}
	return docs
}

// appendContext keeps the most recent distinct context samples, each truncated.
func (a *Accumulator) appendContext(contexts []string, sample string) []string {
	sample = truncate(strings.Join(strings.Fields(sample), " "), a.cfg.ContextMaxLen)
	if sample == "" {
		return contexts
	}
	for _, c := range contexts {
		if c == sample {
			return contexts
		}
	}
	contexts = append(contexts, sample)
	if over := len(contexts) - a.cfg.MaxContexts; over > 0 {
		contexts = contexts[over:]
	}
	return contexts
}

func (a *Accumulator) project(ctx context.Context, rel *models.Relationship) {
	if a.projector == nil {
		return
	}
	var actors []*models.Actor
	for _, id := range []string{rel.SourceID, rel.TargetID} {
		actor, err := a.store.GetActor(ctx, id)
		if err != nil {
			a.log.Warn("Failed to load actor for projection", zap.String("actor_id", id), zap.Error(err))
			return
		}
		actors = append(actors, actor)
	}
	for _, actor := range actors {
		if err := a.projector.UpsertActor(ctx, actor); err != nil {
			a.log.Warn("Failed to project actor", zap.String("actor_id", actor.ID), zap.Error(err))
			return
		}
	}
	if err := a.projector.UpsertRelationship(ctx, rel); err != nil {
		a.log.Warn("Failed to project relationship", zap.String("relationship_id", rel.ID), zap.Error(err))
	}
}

func (a *Accumulator) invalidate(scopeID string) {
	if a.graph != nil {
		a.graph.Invalidate(scopeID)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
