package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/actor-graph/backend/internal/storage/models"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// UpsertDocument inserts or updates a document keyed by id. It reports whether the stored
// content changed, which callers use to decide whether re-extraction is needed.
func (q *Queries) UpsertDocument(ctx context.Context, doc *models.Document) (bool, error) {
	var previousHash sql.NullString
	err := q.db.QueryRowContext(ctx, `SELECT content_hash FROM documents WHERE id = ?`, doc.ID).Scan(&previousHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.NewStoreUnavailable("look up document", err)
	}

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.ExtractionStatus == "" {
		doc.ExtractionStatus = models.DocumentPending
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO documents (id, scope_id, source_ref, title, raw_content, content_hash, extraction_status, extraction_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			raw_content = excluded.raw_content,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`,
		doc.ID,
		doc.ScopeID,
		doc.SourceRef,
		doc.Title,
		doc.RawContent,
		doc.ContentHash,
		doc.ExtractionStatus,
		toMillis(doc.CreatedAt),
		toMillis(doc.UpdatedAt),
	)
	if err != nil {
		return false, apperrors.NewStoreUnavailable("upsert document", err)
	}

	return !previousHash.Valid || previousHash.String != doc.ContentHash, nil
}

func (q *Queries) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	var createdAt, updatedAt int64

	err := q.db.QueryRowContext(ctx, `
		SELECT id, scope_id, source_ref, title, raw_content, content_hash, extraction_status, extraction_error, created_at, updated_at
		FROM documents WHERE id = ?`, id).Scan(
		&doc.ID,
		&doc.ScopeID,
		&doc.SourceRef,
		&doc.Title,
		&doc.RawContent,
		&doc.ContentHash,
		&doc.ExtractionStatus,
		&doc.ExtractionError,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("document", id)
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("get document", err)
	}

	doc.CreatedAt = fromMillis(createdAt)
	doc.UpdatedAt = fromMillis(updatedAt)
	return &doc, nil
}

func (q *Queries) SetDocumentStatus(ctx context.Context, id, status, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE documents SET extraction_status = ?, extraction_error = ?, updated_at = ? WHERE id = ?`,
		status, reason, toMillis(time.Now()), id)
	if err != nil {
		return apperrors.NewStoreUnavailable("set document status", err)
	}
	return nil
}

// ReplaceDocumentTags sets the full tag list of a document.
func (q *Queries) ReplaceDocumentTags(ctx context.Context, documentID string, tags []string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM document_tags WHERE document_id = ?`, documentID); err != nil {
		return apperrors.NewStoreUnavailable("clear document tags", err)
	}
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, err := q.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO document_tags (document_id, tag) VALUES (?, ?)`, documentID, tag); err != nil {
			return apperrors.NewStoreUnavailable("insert document tag", err)
		}
	}
	return nil
}

// DocumentTags returns the tags of every document in a scope, keyed by document id.
func (q *Queries) DocumentTags(ctx context.Context, scopeID string) (map[string][]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT t.document_id, t.tag
		FROM document_tags t JOIN documents d ON d.id = t.document_id
		WHERE d.scope_id = ?
		ORDER BY t.document_id, t.tag`, scopeID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("list document tags", err)
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var docID, tag string
		if err := rows.Scan(&docID, &tag); err != nil {
			return nil, apperrors.NewStoreUnavailable("scan document tag", err)
		}
		tags[docID] = append(tags[docID], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailable("list document tags", err)
	}
	return tags, nil
}

// ListScopes returns every scope that holds at least one document or actor.
func (q *Queries) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT scope_id FROM documents UNION SELECT scope_id FROM actors`)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("list scopes", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apperrors.NewStoreUnavailable("scan scope", err)
		}
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes, rows.Err()
}
