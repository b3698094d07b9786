package queue

import (
	"sync"
	"time"

	"github.com/actor-graph/backend/internal/storage/models"
)

// ItemEvent describes one status change of a queue item.
type ItemEvent struct {
	ItemID     int64              `json:"item_id"`
	DocumentID string             `json:"document_id"`
	Status     models.QueueStatus `json:"status"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	At         time.Time          `json:"at"`
}

// Broadcaster fans item events out to subscribers. Slow subscribers miss events rather
// than stall the queue.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan ItemEvent]struct{}
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[chan ItemEvent]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events and a function that closes it.
func (b *Broadcaster) Subscribe() (<-chan ItemEvent, func()) {
	ch := make(chan ItemEvent, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(ev ItemEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
