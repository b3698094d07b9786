package evidence

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// InboxEntry is a suggestion with its endpoint names resolved for review.
type InboxEntry struct {
	*models.Suggestion
	SourceName string           `json:"source_name"`
	SourceType models.ActorType `json:"source_type"`
	TargetName string           `json:"target_name"`
	TargetType models.ActorType `json:"target_type"`
}

// promote confirms a suggestion as a relationship and marks it approved. Confirming an
// already approved suggestion again only refines the existing relationship.
func (a *Accumulator) promote(ctx context.Context, q *sqlite.Queries, sg *models.Suggestion) (*models.Relationship, error) {
	rel := &models.Relationship{
		ScopeID:    sg.ScopeID,
		SourceID:   sg.SourceID,
		TargetID:   sg.TargetID,
		Type:       sg.Type,
		Strength:   float64(sg.EvidenceCount),
		Confidence: sg.Confidence,
		Approved:   true,
	}
	if n := len(sg.Contexts); n > 0 {
		rel.Context = sg.Contexts[n-1]
	}
	if len(sg.SourceDocs) > 0 {
		rel.SourceDocID = sg.SourceDocs[0]
	}

	stored, _, err := q.UpsertRelationship(ctx, rel)
	if err != nil {
		return nil, err
	}
	if !sg.Approved {
		sg.Approved = true
		if err := q.UpdateSuggestion(ctx, sg); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

// ApproveSuggestion converts a suggestion into a confirmed relationship. Approving twice
// returns the same relationship.
func (a *Accumulator) ApproveSuggestion(ctx context.Context, id string) (*models.Relationship, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.NewValidation("suggestion_id", "required")
	}

	var rel *models.Relationship
	err := a.store.InTx(ctx, func(q *sqlite.Queries) error {
		sg, err := q.GetSuggestion(ctx, id)
		if err != nil {
			return err
		}
		if sg.Dismissed {
			return apperrors.NewValidation("suggestion", "dismissed suggestions cannot be approved")
		}
		rel, err = a.promote(ctx, q, sg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to approve suggestion %s: %w", id, err)
	}

	metrics.SuggestionOutcomes.WithLabelValues("approved").Inc()
	a.project(ctx, rel)
	a.invalidate(rel.ScopeID)

	a.log.Info("Suggestion approved",
		zap.String("suggestion_id", id),
		zap.String("relationship_id", rel.ID),
		zap.String("type", rel.Type))
	return rel, nil
}

// RejectSuggestion deletes an active suggestion. Later evidence may create it again.
func (a *Accumulator) RejectSuggestion(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.NewValidation("suggestion_id", "required")
	}

	err := a.store.InTx(ctx, func(q *sqlite.Queries) error {
		sg, err := q.GetSuggestion(ctx, id)
		if err != nil {
			return err
		}
		if sg.Approved {
			return apperrors.NewValidation("suggestion", "approved suggestions cannot be rejected")
		}
		_, err = q.DeleteSuggestion(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reject suggestion %s: %w", id, err)
	}

	metrics.SuggestionOutcomes.WithLabelValues("rejected").Inc()
	return nil
}

// DismissSuggestion marks a suggestion dismissed and blocks its tuple so future evidence
// is ignored.
func (a *Accumulator) DismissSuggestion(ctx context.Context, id string) (*models.Suggestion, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.NewValidation("suggestion_id", "required")
	}

	var sg *models.Suggestion
	err := a.store.InTx(ctx, func(q *sqlite.Queries) error {
		var err error
		sg, err = q.GetSuggestion(ctx, id)
		if err != nil {
			return err
		}
		if sg.Approved {
			return apperrors.NewValidation("suggestion", "approved suggestions cannot be dismissed")
		}
		if !sg.Dismissed {
			sg.Dismissed = true
			if err := q.UpdateSuggestion(ctx, sg); err != nil {
				return err
			}
		}
		return q.AddDismissed(ctx, sg.ScopeID, sg.SourceID, sg.TargetID, sg.Type)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dismiss suggestion %s: %w", id, err)
	}

	metrics.SuggestionOutcomes.WithLabelValues("dismissed").Inc()
	return sg, nil
}

// CheckAutoPromotions lists active suggestions meeting both thresholds without changing
// them. Zero thresholds fall back to the configured ones.
func (a *Accumulator) CheckAutoPromotions(ctx context.Context, scopeID string, minEvidence int, minConfidence float64) ([]*models.Suggestion, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, apperrors.NewValidation("scope_id", "required")
	}
	if minEvidence <= 0 {
		minEvidence = a.cfg.AutoPromoteMinEvidence
	}
	if minConfidence <= 0 {
		minConfidence = a.cfg.AutoPromoteMinConfidence
	}

	return a.store.ListSuggestions(ctx, scopeID, models.SuggestionFilter{
		Status:        models.SuggestionActive,
		MinEvidence:   minEvidence,
		MinConfidence: minConfidence,
		Limit:         1000,
	})
}

// AutoPromote approves every suggestion CheckAutoPromotions reports for the configured
// thresholds, in one transaction.
func (a *Accumulator) AutoPromote(ctx context.Context, scopeID string) ([]*models.Relationship, error) {
	candidates, err := a.CheckAutoPromotions(ctx, scopeID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var promoted []*models.Relationship
	err = a.store.InTx(ctx, func(q *sqlite.Queries) error {
		promoted = promoted[:0]
		for _, sg := range candidates {
			rel, err := a.promote(ctx, q, sg)
			if err != nil {
				return err
			}
			promoted = append(promoted, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to auto-promote suggestions: %w", err)
	}

	metrics.SuggestionOutcomes.WithLabelValues("approved").Add(float64(len(promoted)))
	for _, rel := range promoted {
		a.project(ctx, rel)
	}
	a.invalidate(scopeID)

	a.log.Info("Suggestions auto-promoted", zap.String("scope_id", scopeID), zap.Int("count", len(promoted)))
	return promoted, nil
}

// GetSuggestionsInbox lists the suggestions of a scope for review.
func (a *Accumulator) GetSuggestionsInbox(ctx context.Context, scopeID string, filter models.SuggestionFilter) ([]InboxEntry, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, apperrors.NewValidation("scope_id", "required")
	}

	suggestions, err := a.store.ListSuggestions(ctx, scopeID, filter)
	if err != nil {
		return nil, err
	}

	actors := make(map[string]*models.Actor)
	lookup := func(id string) (*models.Actor, error) {
		if actor, ok := actors[id]; ok {
			return actor, nil
		}
		actor, err := a.store.GetActor(ctx, id)
		if err != nil {
			return nil, err
		}
		actors[id] = actor
		return actor, nil
	}

	entries := make([]InboxEntry, 0, len(suggestions))
	for _, sg := range suggestions {
		source, err := lookup(sg.SourceID)
		if err != nil {
			return nil, err
		}
		target, err := lookup(sg.TargetID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, InboxEntry{
			Suggestion: sg,
			SourceName: source.Name,
			SourceType: source.Type,
			TargetName: target.Name,
			TargetType: target.Type,
		})
	}
	return entries, nil
}
