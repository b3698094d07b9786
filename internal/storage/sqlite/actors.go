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

const actorColumns = `id, scope_id, name, type, role, team, organization, description, confidence, mention_count, created_at, updated_at, last_seen_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanActor(s scanner) (*models.Actor, error) {
	var a models.Actor
	var actorType string
	var role, team, org, desc sql.NullString
	var createdAt, updatedAt, lastSeen int64

	if err := s.Scan(&a.ID, &a.ScopeID, &a.Name, &actorType, &role, &team, &org, &desc,
		&a.Confidence, &a.MentionCount, &createdAt, &updatedAt, &lastSeen); err != nil {
		return nil, err
	}

	a.Type = models.ActorType(actorType)
	a.Role = stringPtr(role)
	a.Team = stringPtr(team)
	a.Organization = stringPtr(org)
	a.Description = stringPtr(desc)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	a.LastSeenAt = fromMillis(lastSeen)
	return &a, nil
}

// UpsertActor inserts an actor or, when (scope, type, name) already exists, counts one more
// mention: last_seen_at is refreshed, null descriptive fields are filled from the new values
// and existing ones are kept. Confidence keeps the highest value seen.
func (q *Queries) UpsertActor(ctx context.Context, a *models.Actor) (*models.Actor, error) {
	now := time.Now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	row := q.db.QueryRowContext(ctx, `
		INSERT INTO actors (`+actorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(scope_id, type, name) DO UPDATE SET
			mention_count = actors.mention_count + 1,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at,
			role = COALESCE(actors.role, excluded.role),
			team = COALESCE(actors.team, excluded.team),
			organization = COALESCE(actors.organization, excluded.organization),
			description = COALESCE(actors.description, excluded.description),
			confidence = MAX(actors.confidence, excluded.confidence)
		RETURNING `+actorColumns,
		a.ID,
		a.ScopeID,
		a.Name,
		string(a.Type),
		nullString(a.Role),
		nullString(a.Team),
		nullString(a.Organization),
		nullString(a.Description),
		a.Confidence,
		toMillis(now),
		toMillis(now),
		toMillis(now),
	)

	stored, err := scanActor(row)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("upsert actor", err)
	}
	return stored, nil
}

func (q *Queries) GetActor(ctx context.Context, id string) (*models.Actor, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = ?`, id)
	a, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("actor", id)
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("get actor", err)
	}
	return a, nil
}

// FindActorByName returns the best match for a case-insensitive name in the scope,
// preferring typed actors over unknown ones and then the most mentioned. It returns
// nil, nil when nothing matches.
func (q *Queries) FindActorByName(ctx context.Context, scopeID, name string) (*models.Actor, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+actorColumns+` FROM actors
		WHERE scope_id = ? AND name = ? COLLATE NOCASE
		ORDER BY (type = 'unknown'), mention_count DESC, id
		LIMIT 1`, scopeID, name)
	a, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("find actor", err)
	}
	return a, nil
}

// ListActors returns the actors of a scope ordered by type then name.
func (q *Queries) ListActors(ctx context.Context, scopeID string) ([]*models.Actor, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE scope_id = ? ORDER BY type, name, id`, scopeID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("list actors", err)
	}
	defer rows.Close()

	var actors []*models.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, apperrors.NewStoreUnavailable("scan actor", err)
		}
		actors = append(actors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailable("list actors", err)
	}
	return actors, nil
}

// UpdateActor overwrites the mutable fields of an actor. Used when merging duplicates.
func (q *Queries) UpdateActor(ctx context.Context, a *models.Actor) error {
	a.UpdatedAt = time.Now()
	_, err := q.db.ExecContext(ctx, `
		UPDATE actors SET role = ?, team = ?, organization = ?, description = ?,
			confidence = ?, mention_count = ?, last_seen_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(a.Role),
		nullString(a.Team),
		nullString(a.Organization),
		nullString(a.Description),
		a.Confidence,
		a.MentionCount,
		toMillis(a.LastSeenAt),
		toMillis(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return apperrors.NewStoreUnavailable("update actor", err)
	}
	return nil
}

// DeleteActor removes an actor row. Foreign keys reject the delete while any relationship,
// suggestion or dismissal still references it.
func (q *Queries) DeleteActor(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM actors WHERE id = ?`, id); err != nil {
		return apperrors.NewStoreUnavailable("delete actor", err)
	}
	return nil
}

// CountDanglingReferences counts relationship and suggestion endpoints in a scope that
// point at no actor.
func (q *Queries) CountDanglingReferences(ctx context.Context, scopeID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM relationships r WHERE r.scope_id = ? AND (
				NOT EXISTS (SELECT 1 FROM actors a WHERE a.id = r.source_id) OR
				NOT EXISTS (SELECT 1 FROM actors a WHERE a.id = r.target_id)))
			+
			(SELECT COUNT(*) FROM suggestions s WHERE s.scope_id = ? AND (
				NOT EXISTS (SELECT 1 FROM actors a WHERE a.id = s.source_id) OR
				NOT EXISTS (SELECT 1 FROM actors a WHERE a.id = s.target_id)))`,
		scopeID, scopeID).Scan(&n)
	if err != nil {
		return 0, apperrors.NewStoreUnavailable("count dangling references", err)
	}
	return n, nil
}
