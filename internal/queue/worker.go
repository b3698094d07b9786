package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/storage/models"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

// Handler processes one claimed item. It must honour ctx: the worker records a timed out
// item as failed right away but claims nothing else until the handler returns.
type Handler func(ctx context.Context, item *models.QueueItem) error

type WorkerConfig struct {
	PollInterval      time.Duration
	ExtractionTimeout time.Duration
	// AfterComplete runs once an item is marked complete. Errors are logged.
	AfterComplete     Handler
}

// Worker is the single cooperative poll loop draining the queue. At most one item is
// in flight at any time.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     WorkerConfig
	log     *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewWorker(q *Queue, handler Handler, cfg WorkerConfig, log *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: q, handler: handler, cfg: cfg, log: log}
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)

	w.log.Info("Extraction worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("extraction_timeout", w.cfg.ExtractionTimeout))
}

// Stop halts the loop. An item in flight finishes its status transition first.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.log.Info("Extraction worker stopped")
}

func (w *Worker) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if w.ProcessNext() {
			continue
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and processes one item. It reports whether an item was claimed.
// Transitions run on their own context so a stopping worker never strands an item in
// processing.
func (w *Worker) ProcessNext() bool {
	item, err := w.queue.PollNext(context.Background())
	if err != nil {
		w.log.Error("Failed to poll queue", zap.Error(err))
		return false
	}
	if item == nil {
		return false
	}

	finished, err := w.invoke(item)
	defer w.await(item.ID, finished)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if err := w.queue.MarkComplete(ctx, item.ID); err != nil {
			w.log.Error("Failed to mark item complete", zap.Int64("item_id", item.ID), zap.Error(err))
			break
		}
		if w.cfg.AfterComplete != nil {
			if err := w.cfg.AfterComplete(ctx, item); err != nil {
				w.log.Warn("Completion hook failed", zap.Int64("item_id", item.ID), zap.Error(err))
			}
		}
	case !apperrors.IsRetryable(err):
		if err := w.queue.MarkRejected(ctx, item.ID, err.Error()); err != nil {
			w.log.Error("Failed to mark item rejected", zap.Int64("item_id", item.ID), zap.Error(err))
		}
	default:
		if _, err := w.queue.MarkFailed(ctx, item.ID, err.Error()); err != nil {
			w.log.Error("Failed to mark item failed", zap.Int64("item_id", item.ID), zap.Error(err))
		}
	}
	return true
}

// invoke runs the handler under the extraction timeout. The returned channel closes once
// the handler goroutine has returned, which may be after invoke gave up on it.
func (w *Worker) invoke(item *models.QueueItem) (<-chan struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ExtractionTimeout)

	result := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		result <- w.handler(ctx, item)
	}()

	select {
	case err := <-result:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return finished, fmt.Errorf("extraction timed out after %s: %w", w.cfg.ExtractionTimeout, err)
		}
		return finished, err
	case <-ctx.Done():
		w.log.Warn("Extraction handler exceeded timeout", zap.Int64("item_id", item.ID), zap.Duration("timeout", w.cfg.ExtractionTimeout))
		return finished, fmt.Errorf("extraction timed out after %s", w.cfg.ExtractionTimeout)
	}
}

// await blocks until the handler of itemID has returned.
func (w *Worker) await(itemID int64, finished <-chan struct{}) {
	select {
	case <-finished:
		return
	default:
	}
	w.log.Warn("Waiting for abandoned extraction handler", zap.Int64("item_id", itemID))
	<-finished
}
