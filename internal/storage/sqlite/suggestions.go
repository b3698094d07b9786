package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/actor-graph/backend/internal/storage/models"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

const suggestionColumns = `id, scope_id, source_id, target_id, type, confidence, base_confidence, evidence_count, source_docs, contexts, approved, dismissed, last_seen_at, created_at`

func scanSuggestion(s scanner) (*models.Suggestion, error) {
	var sg models.Suggestion
	var docsJSON, contextsJSON string
	var lastSeen, createdAt int64

	if err := s.Scan(&sg.ID, &sg.ScopeID, &sg.SourceID, &sg.TargetID, &sg.Type, &sg.Confidence,
		&sg.BaseConfidence, &sg.EvidenceCount, &docsJSON, &contextsJSON, &sg.Approved, &sg.Dismissed,
		&lastSeen, &createdAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(docsJSON), &sg.SourceDocs); err != nil {
		return nil, fmt.Errorf("failed to decode source docs: %w", err)
	}
	if err := json.Unmarshal([]byte(contextsJSON), &sg.Contexts); err != nil {
		return nil, fmt.Errorf("failed to decode contexts: %w", err)
	}
	sg.LastSeenAt = fromMillis(lastSeen)
	sg.CreatedAt = fromMillis(createdAt)
	return &sg, nil
}

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

// FindActiveSuggestion returns the active suggestion for a tuple, or nil, nil.
func (q *Queries) FindActiveSuggestion(ctx context.Context, scopeID, sourceID, targetID, relType string) (*models.Suggestion, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE scope_id = ? AND source_id = ? AND target_id = ? AND type = ? AND approved = 0 AND dismissed = 0`,
		scopeID, sourceID, targetID, relType)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("find suggestion", err)
	}
	return sg, nil
}

func (q *Queries) GetSuggestion(ctx context.Context, id string) (*models.Suggestion, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("suggestion", id)
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("get suggestion", err)
	}
	return sg, nil
}

func (q *Queries) InsertSuggestion(ctx context.Context, sg *models.Suggestion) error {
	now := time.Now()
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = now
	}
	if sg.LastSeenAt.IsZero() {
		sg.LastSeenAt = now
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID,
		sg.ScopeID,
		sg.SourceID,
		sg.TargetID,
		sg.Type,
		sg.Confidence,
		sg.BaseConfidence,
		sg.EvidenceCount,
		encodeList(sg.SourceDocs),
		encodeList(sg.Contexts),
		boolInt(sg.Approved),
		boolInt(sg.Dismissed),
		toMillis(sg.LastSeenAt),
		toMillis(sg.CreatedAt),
	)
	if err != nil {
		return apperrors.NewStoreUnavailable("insert suggestion", err)
	}
	return nil
}

// UpdateSuggestion writes back every mutable column, endpoints included.
func (q *Queries) UpdateSuggestion(ctx context.Context, sg *models.Suggestion) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE suggestions SET source_id = ?, target_id = ?, confidence = ?, base_confidence = ?,
			evidence_count = ?, source_docs = ?, contexts = ?, approved = ?, dismissed = ?, last_seen_at = ?
		WHERE id = ?`,
		sg.SourceID,
		sg.TargetID,
		sg.Confidence,
		sg.BaseConfidence,
		sg.EvidenceCount,
		encodeList(sg.SourceDocs),
		encodeList(sg.Contexts),
		boolInt(sg.Approved),
		boolInt(sg.Dismissed),
		toMillis(sg.LastSeenAt),
		sg.ID,
	)
	if err != nil {
		return apperrors.NewStoreUnavailable("update suggestion", err)
	}
	return nil
}

func (q *Queries) DeleteSuggestion(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM suggestions WHERE id = ?`, id)
	if err != nil {
		return false, apperrors.NewStoreUnavailable("delete suggestion", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListSuggestions returns the suggestions of a scope matching filter, highest confidence first.
func (q *Queries) ListSuggestions(ctx context.Context, scopeID string, filter models.SuggestionFilter) ([]*models.Suggestion, error) {
	where := []string{"scope_id = ?"}
	args := []any{scopeID}

	switch filter.Status {
	case "", models.SuggestionActive:
		where = append(where, "approved = 0 AND dismissed = 0")
	case models.SuggestionApproved:
		where = append(where, "approved = 1")
	case models.SuggestionDismissed:
		where = append(where, "dismissed = 1")
	case models.SuggestionAll:
	default:
		return nil, apperrors.NewValidation("status", fmt.Sprintf("unknown suggestion status %q", filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.ActorID != "" {
		where = append(where, "(source_id = ? OR target_id = ?)")
		args = append(args, filter.ActorID, filter.ActorID)
	}
	if filter.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, filter.MinConfidence)
	}
	if filter.MinEvidence > 0 {
		where = append(where, "evidence_count >= ?")
		args = append(args, filter.MinEvidence)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, max(filter.Offset, 0))

	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY confidence DESC, evidence_count DESC, last_seen_at DESC, id LIMIT ? OFFSET ?`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("list suggestions", err)
	}
	defer rows.Close()

	var out []*models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, apperrors.NewStoreUnavailable("scan suggestion", err)
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailable("list suggestions", err)
	}
	return out, nil
}

// SuggestionsReferencing returns every suggestion, active or not, with actorID as an endpoint.
func (q *Queries) SuggestionsReferencing(ctx context.Context, actorID string) ([]*models.Suggestion, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at, id`, actorID, actorID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("list suggestions by actor", err)
	}
	defer rows.Close()

	var out []*models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, apperrors.NewStoreUnavailable("scan suggestion", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (q *Queries) IsDismissed(ctx context.Context, scopeID, sourceID, targetID, relType string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dismissed_tuples
		WHERE scope_id = ? AND source_id = ? AND target_id = ? AND type = ?`,
		scopeID, sourceID, targetID, relType).Scan(&n)
	if err != nil {
		return false, apperrors.NewStoreUnavailable("check dismissed tuple", err)
	}
	return n > 0, nil
}

func (q *Queries) AddDismissed(ctx context.Context, scopeID, sourceID, targetID, relType string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dismissed_tuples (scope_id, source_id, target_id, type, dismissed_at)
		VALUES (?, ?, ?, ?, ?)`,
		scopeID, sourceID, targetID, relType, toMillis(time.Now()))
	if err != nil {
		return apperrors.NewStoreUnavailable("record dismissed tuple", err)
	}
	return nil
}

// RewriteDismissed moves every block-list entry of fromID onto toID. Entries that would
// become self-loops or duplicates are dropped.
func (q *Queries) RewriteDismissed(ctx context.Context, fromID, toID string) error {
	stmts := []string{
		`INSERT OR IGNORE INTO dismissed_tuples (scope_id, source_id, target_id, type, dismissed_at)
			SELECT scope_id, ?, target_id, type, dismissed_at FROM dismissed_tuples WHERE source_id = ? AND target_id <> ?`,
		`INSERT OR IGNORE INTO dismissed_tuples (scope_id, source_id, target_id, type, dismissed_at)
			SELECT scope_id, source_id, ?, type, dismissed_at
			FROM dismissed_tuples WHERE target_id = ? AND source_id NOT IN (?, ?)`,
		`DELETE FROM dismissed_tuples WHERE source_id = ? OR target_id = ?`,
	}
	args := [][]any{
		{toID, fromID, toID},
		{toID, fromID, fromID, toID},
		{fromID, fromID},
	}
	for i, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt, args[i]...); err != nil {
			return apperrors.NewStoreUnavailable("rewrite dismissed tuples", err)
		}
	}
	return nil
}
