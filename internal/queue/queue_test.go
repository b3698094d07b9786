package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *sqlite.Client) {
	t.Helper()
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "queue.db"), 1000)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })
	return New(store, RetryPolicy{MaxAttempts: maxAttempts}, NewBroadcaster(64), nil), store
}

func addDocument(t *testing.T, store *sqlite.Client, id string) {
	t.Helper()
	_, err := store.UpsertDocument(context.Background(), &models.Document{
		ID: id, ScopeID: "rte", SourceRef: id, RawContent: "Jan works with the Backend team", ContentHash: id,
	})
	require.NoError(t, err)
}

func TestEnqueueIsIdempotentWhileOpen(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	addDocument(t, store, "d1")

	first, created, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	claimed, err := q.PollNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, created, err = q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, created, "processing item also blocks a duplicate")

	require.NoError(t, q.MarkComplete(ctx, claimed.ID))

	fresh, created, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, created, "completed documents can be queued again")
	assert.NotEqual(t, first.ID, fresh.ID)

	old, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueComplete, old.Status, "old items are kept for audit")
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, "  ")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, _, err = q.Enqueue(ctx, "missing")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestPollNextFIFO(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		addDocument(t, store, id)
		_, _, err := q.Enqueue(ctx, id)
		require.NoError(t, err)
	}

	var order []string
	for {
		item, err := q.PollNext(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		order = append(order, item.DocumentID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMarkFailedDeadLettersAtLimit(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	addDocument(t, store, "d1")

	_, _, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)

	var last *models.QueueItem
	for i := 0; i < 3; i++ {
		item, err := q.PollNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d should be claimable", i+1)

		last, err = q.MarkFailed(ctx, item.ID, "oracle chain exhausted")
		require.NoError(t, err)
	}

	assert.Equal(t, models.QueueDead, last.Status)
	assert.Equal(t, 3, last.Attempts)

	next, err := q.PollNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "dead items never return to pending on their own")

	doc, err := store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentFailed, doc.ExtractionStatus)
	assert.Equal(t, "oracle chain exhausted", doc.ExtractionError)

	_, err = q.MarkFailed(ctx, last.ID, "again")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation), "dead items reject further failures")

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[models.QueueDead])
	assert.Equal(t, 0, stats.Counts[models.QueuePending])
}

func TestRetryDeadResetsAttempts(t *testing.T) {
	q, store := newTestQueue(t, 1)
	ctx := context.Background()
	addDocument(t, store, "d1")

	_, _, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	item, err := q.PollNext(ctx)
	require.NoError(t, err)
	dead, err := q.MarkFailed(ctx, item.ID, "boom")
	require.NoError(t, err)
	require.Equal(t, models.QueueDead, dead.Status)

	n, err := q.RetryDead(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	next, err := q.PollNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, item.ID, next.ID)
	assert.Zero(t, next.Attempts)

	_, err = q.RetryDead(ctx)
	require.NoError(t, err)
}

func TestMarkRejectedAndRetryFailed(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	addDocument(t, store, "d1")

	_, _, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	item, err := q.PollNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.MarkRejected(ctx, item.ID, "missing scope"))
	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, stored.Status)

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	stored, _ = q.Get(ctx, item.ID)
	assert.Equal(t, models.QueuePending, stored.Status)
}

func TestRecoverStale(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	addDocument(t, store, "d1")

	_, _, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	_, err = q.PollNext(ctx)
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	item, err := q.PollNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Zero(t, item.Attempts)
}

func TestQueuePublishesEvents(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	addDocument(t, store, "d1")

	events, unsubscribe := q.events.Subscribe()
	defer unsubscribe()

	_, _, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)
	item, err := q.PollNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkComplete(ctx, item.ID))

	var got []models.QueueStatus
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []models.QueueStatus{models.QueuePending, models.QueueProcessing, models.QueueComplete}, got)
}

func TestWorkerProcessNextOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		want    models.QueueStatus
	}{
		{"success", func(ctx context.Context, item *models.QueueItem) error { return nil }, models.QueueComplete},
		{"retryable", func(ctx context.Context, item *models.QueueItem) error {
			return apperrors.NewOracleUnavailable("all", errors.New("connection refused"))
		}, models.QueuePending},
		{"validation", func(ctx context.Context, item *models.QueueItem) error {
			return apperrors.NewValidation("scope_id", "required")
		}, models.QueueFailed},
		{"panic", func(ctx context.Context, item *models.QueueItem) error { panic("bad input") }, models.QueuePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, store := newTestQueue(t, 3)
			ctx := context.Background()
			addDocument(t, store, "d1")
			item, _, err := q.Enqueue(ctx, "d1")
			require.NoError(t, err)

			w := NewWorker(q, tt.handler, WorkerConfig{PollInterval: time.Millisecond, ExtractionTimeout: time.Second}, nil)
			assert.True(t, w.ProcessNext())

			stored, err := q.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
		})
	}
}

func TestWorkerTimeoutBecomesFailure(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	addDocument(t, store, "d1")
	item, _, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)

	release := make(chan struct{})
	hang := func(ctx context.Context, item *models.QueueItem) error {
		<-release
		return nil
	}
	w := NewWorker(q, hang, WorkerConfig{PollInterval: time.Hour, ExtractionTimeout: 20 * time.Millisecond}, nil)

	returned := make(chan bool, 1)
	go func() { returned <- w.ProcessNext() }()

	// the failure is recorded before the abandoned handler returns
	require.Eventually(t, func() bool {
		stored, err := q.Get(ctx, item.ID)
		return err == nil && stored.Status == models.QueuePending && stored.Attempts == 1
	}, time.Second, 5*time.Millisecond)

	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "timed out")

	select {
	case <-returned:
		t.Fatal("worker moved on while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case claimed := <-returned:
		assert.True(t, claimed)
	case <-time.After(time.Second):
		t.Fatal("worker did not return after the handler finished")
	}
}

func TestWorkerStopWaitsForInFlightItem(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()
	addDocument(t, store, "d1")
	item, _, err := q.Enqueue(ctx, "d1")
	require.NoError(t, err)

	started := make(chan struct{})
	var finished atomic.Bool
	slow := func(ctx context.Context, item *models.QueueItem) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}

	w := NewWorker(q, slow, WorkerConfig{PollInterval: time.Millisecond, ExtractionTimeout: time.Second}, nil)
	w.Start()
	<-started
	w.Stop()

	assert.True(t, finished.Load())
	stored, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueComplete, stored.Status, "no item is left in processing")
}
