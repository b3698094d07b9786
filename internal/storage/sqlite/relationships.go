package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/actor-graph/backend/internal/storage/models"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

const relationshipColumns = `id, scope_id, source_id, target_id, type, context, strength, confidence, approved, source_doc_id, created_at, updated_at`

func scanRelationship(s scanner) (*models.Relationship, error) {
	var r models.Relationship
	var createdAt, updatedAt int64
	if err := s.Scan(&r.ID, &r.ScopeID, &r.SourceID, &r.TargetID, &r.Type, &r.Context, &r.Strength,
		&r.Confidence, &r.Approved, &r.SourceDocID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// UpsertRelationship confirms a relationship. When the tuple already exists only the
// confidence is refined upward; everything else recorded at first approval is kept.
// It returns the stored row and whether it was newly created.
func (q *Queries) UpsertRelationship(ctx context.Context, r *models.Relationship) (*models.Relationship, bool, error) {
	existing, err := q.FindRelationship(ctx, r.ScopeID, r.SourceID, r.TargetID, r.Type)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	if existing != nil {
		if r.Confidence > existing.Confidence {
			existing.Confidence = r.Confidence
			existing.UpdatedAt = now
			if _, err := q.db.ExecContext(ctx,
				`UPDATE relationships SET confidence = ?, updated_at = ? WHERE id = ?`,
				existing.Confidence, toMillis(now), existing.ID); err != nil {
				return nil, false, apperrors.NewStoreUnavailable("refine relationship", err)
			}
		}
		return existing, false, nil
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Strength == 0 {
		r.Strength = 1
	}
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.ScopeID,
		r.SourceID,
		r.TargetID,
		r.Type,
		r.Context,
		r.Strength,
		r.Confidence,
		boolInt(r.Approved),
		r.SourceDocID,
		toMillis(r.CreatedAt),
		toMillis(r.UpdatedAt),
	)
	if err != nil {
		return nil, false, apperrors.NewStoreUnavailable("insert relationship", err)
	}
	return r, true, nil
}

// FindRelationship returns the relationship for a tuple, or nil, nil.
func (q *Queries) FindRelationship(ctx context.Context, scopeID, sourceID, targetID, relType string) (*models.Relationship, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE scope_id = ? AND source_id = ? AND target_id = ? AND type = ?`,
		scopeID, sourceID, targetID, relType)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("find relationship", err)
	}
	return r, nil
}

// ListRelationships returns the relationships of a scope in creation order.
func (q *Queries) ListRelationships(ctx context.Context, scopeID string) ([]*models.Relationship, error) {
	return q.queryRelationships(ctx, "list relationships",
		`SELECT `+relationshipColumns+` FROM relationships WHERE scope_id = ? ORDER BY created_at, id`, scopeID)
}

// RelationshipsReferencing returns every relationship with actorID as an endpoint.
func (q *Queries) RelationshipsReferencing(ctx context.Context, actorID string) ([]*models.Relationship, error) {
	return q.queryRelationships(ctx, "list relationships by actor",
		`SELECT `+relationshipColumns+` FROM relationships WHERE source_id = ? OR target_id = ? ORDER BY created_at, id`,
		actorID, actorID)
}

func (q *Queries) queryRelationships(ctx context.Context, op, query string, args ...any) ([]*models.Relationship, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(op, err)
	}
	defer rows.Close()

	var out []*models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, apperrors.NewStoreUnavailable(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailable(op, err)
	}
	return out, nil
}

// RepointRelationship moves a relationship onto new endpoints.
func (q *Queries) RepointRelationship(ctx context.Context, id, sourceID, targetID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE relationships SET source_id = ?, target_id = ?, updated_at = ? WHERE id = ?`,
		sourceID, targetID, toMillis(time.Now()), id)
	if err != nil {
		return apperrors.NewStoreUnavailable("repoint relationship", err)
	}
	return nil
}

func (q *Queries) SetRelationshipConfidence(ctx context.Context, id string, confidence float64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE relationships SET confidence = ?, updated_at = ? WHERE id = ?`,
		confidence, toMillis(time.Now()), id)
	if err != nil {
		return apperrors.NewStoreUnavailable("set relationship confidence", err)
	}
	return nil
}

func (q *Queries) DeleteRelationship(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id); err != nil {
		return apperrors.NewStoreUnavailable("delete relationship", err)
	}
	return nil
}
