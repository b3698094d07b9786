package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/actor-graph/backend/internal/storage/models"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

const queueColumns = `id, document_id, status, attempts, error_message, created_at, updated_at, started_at, completed_at`

func scanQueueItem(s scanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var status string
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	if err := s.Scan(&item.ID, &item.DocumentID, &status, &item.Attempts, &item.ErrorMessage,
		&createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	item.Status = models.QueueStatus(status)
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		item.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		item.CompletedAt = &t
	}
	return &item, nil
}

// FindOpenQueueItem returns the pending or processing item of a document, or nil, nil.
func (q *Queries) FindOpenQueueItem(ctx context.Context, documentID string) (*models.QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM extraction_queue
		WHERE document_id = ? AND status IN ('pending', 'processing')`, documentID)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("find queue item", err)
	}
	return item, nil
}

func (q *Queries) InsertQueueItem(ctx context.Context, documentID string) (*models.QueueItem, error) {
	now := toMillis(time.Now())
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO extraction_queue (document_id, status, attempts, error_message, created_at, updated_at)
		VALUES (?, 'pending', 0, '', ?, ?)
		RETURNING `+queueColumns, documentID, now, now)
	item, err := scanQueueItem(row)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("insert queue item", err)
	}
	return item, nil
}

func (q *Queries) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM extraction_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("queue item", fmt.Sprint(id))
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("get queue item", err)
	}
	return item, nil
}

// ClaimNextPending moves the oldest pending item to processing in one statement and
// returns it, or nil, nil when the queue is empty.
func (q *Queries) ClaimNextPending(ctx context.Context) (*models.QueueItem, error) {
	now := toMillis(time.Now())
	row := q.db.QueryRowContext(ctx, `
		UPDATE extraction_queue
		SET status = 'processing', started_at = ?, updated_at = ?
		WHERE id = (SELECT id FROM extraction_queue WHERE status = 'pending' ORDER BY id LIMIT 1)
		RETURNING `+queueColumns, now, now)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("claim queue item", err)
	}
	return item, nil
}

// UpdateQueueItem writes a status change only if the item is still in from. It reports
// false when another writer moved the item first.
func (q *Queries) UpdateQueueItem(ctx context.Context, id int64, from, to models.QueueStatus, attempts int, errMsg string) (bool, error) {
	now := toMillis(time.Now())

	var completedAt any
	switch to {
	case models.QueueComplete, models.QueueFailed, models.QueueDead:
		completedAt = now
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE extraction_queue
		SET status = ?, attempts = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(to), attempts, errMsg, now, completedAt, id, string(from))
	if err != nil {
		return false, apperrors.NewStoreUnavailable("update queue item", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ResetQueueItems returns items in status from to pending with zero attempts. Only the
// newest item per document is reset, and only when the document has no open item.
func (q *Queries) ResetQueueItems(ctx context.Context, from models.QueueStatus) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE extraction_queue
		SET status = 'pending', attempts = 0, error_message = '', updated_at = ?, started_at = NULL, completed_at = NULL
		WHERE id IN (
			SELECT MAX(id) FROM extraction_queue WHERE status = ? GROUP BY document_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM extraction_queue o
			WHERE o.document_id = extraction_queue.document_id AND o.status IN ('pending', 'processing')
		)`, toMillis(time.Now()), string(from))
	if err != nil {
		return 0, apperrors.NewStoreUnavailable("reset queue items", err)
	}
	return res.RowsAffected()
}

// RecoverProcessing returns items stranded in processing to pending without counting an attempt.
func (q *Queries) RecoverProcessing(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE extraction_queue SET status = 'pending', started_at = NULL, updated_at = ?
		WHERE status = 'processing'`, toMillis(time.Now()))
	if err != nil {
		return 0, apperrors.NewStoreUnavailable("recover processing items", err)
	}
	return res.RowsAffected()
}

// QueueStats counts items per status. Every status is present in the result.
func (q *Queries) QueueStats(ctx context.Context) (map[models.QueueStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM extraction_queue GROUP BY status`)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("count queue items", err)
	}
	defer rows.Close()

	stats := make(map[models.QueueStatus]int, len(models.QueueStatuses))
	for _, s := range models.QueueStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.NewStoreUnavailable("scan queue stats", err)
		}
		stats[models.QueueStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailable("count queue items", err)
	}
	return stats, nil
}

// ListQueueItems returns the newest items, optionally limited to one status.
func (q *Queries) ListQueueItems(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + queueColumns + ` FROM extraction_queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("list queue items", err)
	}
	defer rows.Close()

	var out []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, apperrors.NewStoreUnavailable("scan queue item", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
