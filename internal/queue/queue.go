package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/metrics"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

const maxErrorLen = 1000

// Queue is the durable FIFO of document extraction jobs. It is the only writer of queue
// item status.
type Queue struct {
	store  *sqlite.Client
	policy RetryPolicy
	events *Broadcaster
	log    *zap.Logger
}

func New(store *sqlite.Client, policy RetryPolicy, events *Broadcaster, log *zap.Logger) *Queue {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: store, policy: policy, events: events, log: log}
}

func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Enqueue adds a pending item for a document. While the document already has a pending
// or processing item that item is returned and created is false.
func (q *Queue) Enqueue(ctx context.Context, documentID string) (item *models.QueueItem, created bool, err error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, false, apperrors.NewValidation("document_id", "required")
	}

	err = q.store.InTx(ctx, func(tx *sqlite.Queries) error {
		open, err := tx.FindOpenQueueItem(ctx, documentID)
		if err != nil {
			return err
		}
		if open != nil {
			item = open
			return nil
		}

		if _, err := tx.GetDocument(ctx, documentID); err != nil {
			return err
		}
		if item, err = tx.InsertQueueItem(ctx, documentID); err != nil {
			return err
		}
		created = true
		return tx.SetDocumentStatus(ctx, documentID, models.DocumentPending, "")
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		metrics.QueueTransitions.WithLabelValues(string(models.QueuePending)).Inc()
		q.publish(item)
		q.log.Debug("Document enqueued", zap.String("document_id", documentID), zap.Int64("item_id", item.ID))
	}
	return item, created, nil
}

// PollNext claims the oldest pending item. It returns nil, nil when nothing is pending.
func (q *Queue) PollNext(ctx context.Context) (*models.QueueItem, error) {
	item, err := q.store.ClaimNextPending(ctx)
	if err != nil || item == nil {
		return nil, err
	}
	metrics.QueueTransitions.WithLabelValues(string(item.Status)).Inc()
	q.publish(item)
	return item, nil
}

func (q *Queue) MarkComplete(ctx context.Context, itemID int64) error {
	item, err := q.apply(ctx, itemID, EventComplete, "", func(tx *sqlite.Queries, item *models.QueueItem) error {
		return tx.SetDocumentStatus(ctx, item.DocumentID, models.DocumentComplete, "")
	})
	if err != nil {
		return err
	}
	q.log.Info("Extraction complete", zap.Int64("item_id", itemID), zap.String("document_id", item.DocumentID))
	return nil
}

// MarkFailed counts a failed attempt. Below the retry limit the item returns to pending;
// at the limit it becomes dead and its document is flagged failed with reason.
func (q *Queue) MarkFailed(ctx context.Context, itemID int64, reason string) (*models.QueueItem, error) {
	reason = truncate(reason)
	item, err := q.apply(ctx, itemID, EventFail, reason, func(tx *sqlite.Queries, item *models.QueueItem) error {
		if item.Status != models.QueueDead {
			return nil
		}
		return tx.SetDocumentStatus(ctx, item.DocumentID, models.DocumentFailed, reason)
	})
	if err != nil {
		return nil, err
	}

	if item.Status == models.QueueDead {
		q.log.Error("Queue item dead-lettered",
			zap.Int64("item_id", itemID),
			zap.String("document_id", item.DocumentID),
			zap.Int("attempts", item.Attempts),
			zap.String("reason", reason))
	} else {
		q.log.Warn("Extraction attempt failed, will retry",
			zap.Int64("item_id", itemID),
			zap.Int("attempts", item.Attempts),
			zap.Int("max_attempts", q.policy.MaxAttempts),
			zap.String("reason", reason))
	}
	return item, nil
}

// MarkRejected fails an item that cannot succeed on retry, such as a document with no
// scope. The item goes straight to failed.
func (q *Queue) MarkRejected(ctx context.Context, itemID int64, reason string) error {
	reason = truncate(reason)
	item, err := q.apply(ctx, itemID, EventReject, reason, func(tx *sqlite.Queries, item *models.QueueItem) error {
		return tx.SetDocumentStatus(ctx, item.DocumentID, models.DocumentFailed, reason)
	})
	if err != nil {
		return err
	}
	q.log.Warn("Queue item rejected", zap.Int64("item_id", itemID), zap.String("document_id", item.DocumentID), zap.String("reason", reason))
	return nil
}

// RetryFailed resets failed items to pending with zero attempts.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	return q.reset(ctx, models.QueueFailed)
}

// RetryDead resets dead items to pending with zero attempts.
func (q *Queue) RetryDead(ctx context.Context) (int64, error) {
	return q.reset(ctx, models.QueueDead)
}

// RecoverStale returns items left in processing by an unclean shutdown to pending.
// Call it before the worker starts.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	n, err := q.store.RecoverProcessing(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn("Recovered stale processing items", zap.Int64("count", n))
	}
	return n, nil
}

type Stats struct {
	Counts map[models.QueueStatus]int `json:"counts"`
	Total  int                        `json:"total"`
}

// GetStats returns the status histogram and refreshes the queue depth gauge.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := q.store.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Counts: counts}
	for status, n := range counts {
		stats.Total += n
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return stats, nil
}

func (q *Queue) List(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueItem, error) {
	if status != "" {
		valid := false
		for _, s := range models.QueueStatuses {
			valid = valid || s == status
		}
		if !valid {
			return nil, apperrors.NewValidation("status", fmt.Sprintf("unknown queue status %q", status))
		}
	}
	return q.store.ListQueueItems(ctx, status, limit)
}

func (q *Queue) Get(ctx context.Context, itemID int64) (*models.QueueItem, error) {
	return q.store.GetQueueItem(ctx, itemID)
}

// apply runs one state machine step for an item inside a transaction, together with any
// side effect on the originating document.
func (q *Queue) apply(ctx context.Context, itemID int64, ev Event, reason string,
	after func(tx *sqlite.Queries, item *models.QueueItem) error) (*models.QueueItem, error) {

	var updated *models.QueueItem
	err := q.store.InTx(ctx, func(tx *sqlite.Queries) error {
		item, err := tx.GetQueueItem(ctx, itemID)
		if err != nil {
			return err
		}

		next, err := q.policy.Transition(State{Status: item.Status, Attempts: item.Attempts}, ev)
		if err != nil {
			return apperrors.NewValidation("queue item", err.Error())
		}

		ok, err := tx.UpdateQueueItem(ctx, item.ID, item.Status, next.Status, next.Attempts, reason)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NewValidation("queue item", fmt.Sprintf("item %d changed concurrently", item.ID))
		}

		item.Status = next.Status
		item.Attempts = next.Attempts
		item.ErrorMessage = reason
		item.UpdatedAt = time.Now()
		if after != nil {
			if err := after(tx, item); err != nil {
				return err
			}
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.QueueTransitions.WithLabelValues(string(updated.Status)).Inc()
	q.publish(updated)
	return updated, nil
}

func (q *Queue) reset(ctx context.Context, from models.QueueStatus) (int64, error) {
	if _, err := q.policy.Transition(State{Status: from}, EventRetry); err != nil {
		return 0, apperrors.NewValidation("status", err.Error())
	}
	n, err := q.store.ResetQueueItems(ctx, from)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.QueueTransitions.WithLabelValues(string(models.QueuePending)).Add(float64(n))
		q.log.Info("Queue items reset for retry", zap.String("from", string(from)), zap.Int64("count", n))
	}
	return n, nil
}

func (q *Queue) publish(item *models.QueueItem) {
	q.events.Publish(ItemEvent{
		ItemID:     item.ID,
		DocumentID: item.DocumentID,
		Status:     item.Status,
		Attempts:   item.Attempts,
		Error:      item.ErrorMessage,
		At:         time.Now(),
	})
}

func truncate(reason string) string {
	if len(reason) <= maxErrorLen {
		return reason
	}
	return strings.ToValidUTF8(reason[:maxErrorLen], "")
}
