package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// Projector mirrors merges into an external graph database.
type Projector interface {
	UpsertActor(ctx context.Context, actor *models.Actor) error
	UpsertRelationship(ctx context.Context, rel *models.Relationship) error
	DeleteActors(ctx context.Context, ids []string) error
}

type Invalidator interface {
	Invalidate(scopeID string)
}

// Group is one set of actors merged into a canonical actor.
type Group struct {
	Type          models.ActorType `json:"type"`
	CanonicalID   string           `json:"canonical_id"`
	CanonicalName string           `json:"canonical_name"`
	MergedIDs     []string         `json:"merged_ids"`
	MergedNames   []string         `json:"merged_names"`
}

type Result struct {
	Merged int     `json:"merged"`
	Groups []Group `json:"groups"`
}

// Deduplicator merges near-duplicate actor identities of a scope.
type Deduplicator struct {
	store         *sqlite.Client
	threshold     float64
	strategy      Strategy
	maxContexts   int
	maxSourceDocs int
	projector     Projector
	graph         Invalidator
	log           *zap.Logger
}

type Option func(*Deduplicator)

func WithProjector(p Projector) Option {
	return func(d *Deduplicator) { d.projector = p }
}

func WithInvalidator(inv Invalidator) Option {
	return func(d *Deduplicator) { d.graph = inv }
}

// WithListLimits bounds the context samples and source documents kept when two
// suggestions fold into one.
func WithListLimits(maxContexts, maxSourceDocs int) Option {
	return func(d *Deduplicator) {
		if maxContexts > 0 {
			d.maxContexts = maxContexts
		}
		if maxSourceDocs > 0 {
			d.maxSourceDocs = maxSourceDocs
		}
	}
}

func New(store *sqlite.Client, cfg config.DedupConfig, log *zap.Logger, opts ...Option) *Deduplicator {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Deduplicator{
		store:         store,
		threshold:     cfg.Threshold,
		strategy:      Strategy(cfg.Strategy),
		maxContexts:   5,
		maxSourceDocs: 20,
		log:           log,
	}
	if d.threshold <= 0 || d.threshold > 1 {
		d.threshold = 0.8
	}
	if d.strategy != StrategyGreedy {
		d.strategy = StrategyComponents
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MergeDuplicates clusters the actors of a scope by name similarity within each type and
// merges every group into its canonical actor. Each group commits in its own transaction;
// a failing group leaves its actors untouched and aborts the run.
func (d *Deduplicator) MergeDuplicates(ctx context.Context, scopeID string) (*Result, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, apperrors.NewValidation("scope_id", "required")
	}

	actors, err := d.store.ListActors(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	result := &Result{Groups: []Group{}}
	var canonicals []*models.Actor
	var removed []string

	defer func() {
		if result.Merged > 0 {
			d.invalidate(scopeID)
			d.project(ctx, canonicals, removed)
		}
	}()

	for _, part := range partition(actors) {
		for _, group := range cluster(part, d.threshold, d.strategy) {
			keep, merged := canonical(group)
			folded, err := d.mergeGroup(ctx, keep, merged)
			if err != nil {
				return result, fmt.Errorf("failed to merge into %q: %w", keep.Name, err)
			}
			if folded == nil {
				d.log.Info("Skipped merge group, an actor was removed concurrently",
					zap.String("scope_id", scopeID),
					zap.String("canonical", keep.Name))
				continue
			}

			g := Group{Type: keep.Type, CanonicalID: keep.ID, CanonicalName: keep.Name}
			for _, m := range merged {
				g.MergedIDs = append(g.MergedIDs, m.ID)
				g.MergedNames = append(g.MergedNames, m.Name)
				removed = append(removed, m.ID)
			}
			result.Groups = append(result.Groups, g)
			result.Merged += len(merged)
			canonicals = append(canonicals, folded)
			metrics.DedupMerged.Add(float64(len(merged)))

			d.log.Info("Merged duplicate actors",
				zap.String("scope_id", scopeID),
				zap.String("canonical", keep.Name),
				zap.Strings("merged", g.MergedNames))
		}
	}
	return result, nil
}

// errGroupGone aborts a group whose actors changed identity since the scope was listed.
var errGroupGone = errors.New("actor no longer exists")

// mergeGroup rewrites every reference to the merged actors onto keep, folds their
// attributes into keep and deletes them, all in one transaction. Actors are re-read inside
// the transaction so updates written after the scope was listed are folded, not lost. It
// returns nil, nil when an actor of the group is gone.
func (d *Deduplicator) mergeGroup(ctx context.Context, keep *models.Actor, merged []*models.Actor) (*models.Actor, error) {
	var folded *models.Actor
	err := d.store.InTx(ctx, func(q *sqlite.Queries) error {
		current, err := reload(ctx, q, keep.ID)
		if err != nil {
			return err
		}
		for _, m := range merged {
			fresh, err := reload(ctx, q, m.ID)
			if err != nil {
				return err
			}
			if err := q.RewriteDismissed(ctx, m.ID, keep.ID); err != nil {
				return err
			}
			if err := moveRelationships(ctx, q, m.ID, keep.ID); err != nil {
				return err
			}
			if err := d.moveSuggestions(ctx, q, m.ID, keep.ID); err != nil {
				return err
			}
			foldActor(current, fresh)
		}
		if err := settleSuggestions(ctx, q, keep.ID); err != nil {
			return err
		}
		if err := q.UpdateActor(ctx, current); err != nil {
			return err
		}
		for _, m := range merged {
			if err := q.DeleteActor(ctx, m.ID); err != nil {
				return err
			}
		}
		folded = current
		return nil
	})
	if errors.Is(err, errGroupGone) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return folded, nil
}

func reload(ctx context.Context, q *sqlite.Queries, id string) (*models.Actor, error) {
	a, err := q.GetActor(ctx, id)
	if apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound) {
		return nil, errGroupGone
	}
	return a, err
}

func repoint(id, from, to string) string {
	if id == from {
		return to
	}
	return id
}

func (d *Deduplicator) moveSuggestions(ctx context.Context, q *sqlite.Queries, from, to string) error {
	suggestions, err := q.SuggestionsReferencing(ctx, from)
	if err != nil {
		return err
	}
	for _, sg := range suggestions {
		source, target := repoint(sg.SourceID, from, to), repoint(sg.TargetID, from, to)
		if source == target {
			if _, err := q.DeleteSuggestion(ctx, sg.ID); err != nil {
				return err
			}
			continue
		}

		if sg.Active() {
			dup, err := q.FindActiveSuggestion(ctx, sg.ScopeID, source, target, sg.Type)
			if err != nil {
				return err
			}
			if dup != nil && dup.ID != sg.ID {
				d.foldSuggestion(dup, sg)
				if err := q.UpdateSuggestion(ctx, dup); err != nil {
					return err
				}
				if _, err := q.DeleteSuggestion(ctx, sg.ID); err != nil {
					return err
				}
				continue
			}
		}

		sg.SourceID, sg.TargetID = source, target
		if err := q.UpdateSuggestion(ctx, sg); err != nil {
			return err
		}
	}
	return nil
}

// settleSuggestions removes active suggestions of actorID whose tuple the merge made
// dismissed or confirmed. Evidence on a confirmed tuple raises the relationship's confidence.
func settleSuggestions(ctx context.Context, q *sqlite.Queries, actorID string) error {
	suggestions, err := q.SuggestionsReferencing(ctx, actorID)
	if err != nil {
		return err
	}
	for _, sg := range suggestions {
		if !sg.Active() {
			continue
		}
		dismissed, err := q.IsDismissed(ctx, sg.ScopeID, sg.SourceID, sg.TargetID, sg.Type)
		if err != nil {
			return err
		}
		if !dismissed {
			rel, err := q.FindRelationship(ctx, sg.ScopeID, sg.SourceID, sg.TargetID, sg.Type)
			if err != nil {
				return err
			}
			if rel == nil {
				continue
			}
			if sg.Confidence > rel.Confidence {
				if err := q.SetRelationshipConfidence(ctx, rel.ID, sg.Confidence); err != nil {
					return err
				}
			}
		}
		if _, err := q.DeleteSuggestion(ctx, sg.ID); err != nil {
			return err
		}
	}
	return nil
}

// foldSuggestion adds the evidence of src to dst.
func (d *Deduplicator) foldSuggestion(dst, src *models.Suggestion) {
	dst.EvidenceCount += src.EvidenceCount
	dst.Confidence = max(dst.Confidence, src.Confidence)
	dst.BaseConfidence = max(dst.BaseConfidence, src.BaseConfidence)
	dst.SourceDocs = mergeBounded(dst.SourceDocs, src.SourceDocs, d.maxSourceDocs)
	dst.Contexts = mergeBounded(dst.Contexts, src.Contexts, d.maxContexts)
	if src.LastSeenAt.After(dst.LastSeenAt) {
		dst.LastSeenAt = src.LastSeenAt
	}
}

func mergeBounded(a, b []string, limit int) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if over := len(out) - limit; over > 0 {
		out = out[over:]
	}
	return out
}

func moveRelationships(ctx context.Context, q *sqlite.Queries, from, to string) error {
	rels, err := q.RelationshipsReferencing(ctx, from)
	if err != nil {
		return err
	}
	for _, r := range rels {
		source, target := repoint(r.SourceID, from, to), repoint(r.TargetID, from, to)
		if source == target {
			if err := q.DeleteRelationship(ctx, r.ID); err != nil {
				return err
			}
			continue
		}

		dup, err := q.FindRelationship(ctx, r.ScopeID, source, target, r.Type)
		if err != nil {
			return err
		}
		if dup != nil && dup.ID != r.ID {
			if r.Confidence > dup.Confidence {
				if err := q.SetRelationshipConfidence(ctx, dup.ID, r.Confidence); err != nil {
					return err
				}
			}
			if err := q.DeleteRelationship(ctx, r.ID); err != nil {
				return err
			}
			continue
		}

		if err := q.RepointRelationship(ctx, r.ID, source, target); err != nil {
			return err
		}
	}
	return nil
}

func foldActor(keep *models.Actor, m *models.Actor) {
	keep.MentionCount += m.MentionCount
	keep.Confidence = max(keep.Confidence, m.Confidence)
	if keep.Role == nil {
		keep.Role = m.Role
	}
	if keep.Team == nil {
		keep.Team = m.Team
	}
	if keep.Organization == nil {
		keep.Organization = m.Organization
	}
	if keep.Description == nil {
		keep.Description = m.Description
	}
	if m.LastSeenAt.After(keep.LastSeenAt) {
		keep.LastSeenAt = m.LastSeenAt
	}
}

func (d *Deduplicator) invalidate(scopeID string) {
	if d.graph != nil {
		d.graph.Invalidate(scopeID)
	}
}

// project removes merged actors from the graph database and rewrites the canonical ones
// with their relationships.
func (d *Deduplicator) project(ctx context.Context, canonicals []*models.Actor, removed []string) {
	if d.projector == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := d.projector.DeleteActors(ctx, removed); err != nil {
		d.log.Warn("Failed to remove merged actors from graph database", zap.Error(err))
		return
	}
	for _, actor := range canonicals {
		if err := d.projector.UpsertActor(ctx, actor); err != nil {
			d.log.Warn("Failed to project actor", zap.String("actor_id", actor.ID), zap.Error(err))
			continue
		}
		rels, err := d.store.RelationshipsReferencing(ctx, actor.ID)
		if err != nil {
			d.log.Warn("Failed to load relationships for projection", zap.String("actor_id", actor.ID), zap.Error(err))
			continue
		}
		for _, rel := range rels {
			if err := d.projector.UpsertRelationship(ctx, rel); err != nil {
				d.log.Warn("Failed to project relationship", zap.String("relationship_id", rel.ID), zap.Error(err))
			}
		}
	}
}
