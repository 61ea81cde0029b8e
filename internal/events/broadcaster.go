package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the channel buffer given to each subscriber.
// A subscriber that falls this far behind starts losing events.
const DefaultSubscriberBuffer = 64

// Publisher is the interface the pipeline uses to emit progress events.
type Publisher interface {
	// Publish delivers the event to current subscribers of its batch.
	// It never blocks the caller.
	Publish(ctx context.Context, event Event)
}

// subscriber is one registered consumer of a batch's event stream.
type subscriber struct {
	ch chan Event
}

// Broadcaster is an in-memory Publisher that fans events out to per-batch
// subscriber lists.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID][]*subscriber
	buffer      int
	logger      *slog.Logger
}

// NewBroadcaster creates a Broadcaster with the default subscriber buffer.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uuid.UUID][]*subscriber),
		buffer:      DefaultSubscriberBuffer,
		logger:      logger.With("component", "event_broadcaster"),
	}
}

// Subscribe registers a consumer for the given batch's events. It returns
// the receive channel and a cancel function; the channel is closed when the
// cancel function is called.
func (b *Broadcaster) Subscribe(batchID uuid.UUID) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	b.subscribers[batchID] = append(b.subscribers[batchID], sub)
	count := len(b.subscribers[batchID])
	b.mu.Unlock()

	b.logger.Debug("subscriber registered",
		"batch_id", batchID,
		"subscriber_count", count)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.unsubscribe(batchID, sub)
		})
	}

	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its batch. Subscribers
// with a full buffer lose the event rather than blocking the pipeline; the
// durable stores remain the source of truth.
//
// The sends stay under the read lock. They never block, and unsubscribe
// closes a subscriber's channel only while holding the write lock, so a
// send can never race a close.
func (b *Broadcaster) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.BatchID] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"batch_id", event.BatchID,
				"event_kind", event.Kind,
				"event_id", event.ID)
		}
	}
}

// unsubscribe removes the subscriber and closes its channel under the write
// lock, so no Publish in another goroutine can send on it afterwards.
func (b *Broadcaster) unsubscribe(batchID uuid.UUID, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[batchID]
	for i, sub := range subs {
		if sub == target {
			b.subscribers[batchID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if len(b.subscribers[batchID]) == 0 {
		delete(b.subscribers, batchID)
	}

	close(target.ch)
}

// Ensure Broadcaster implements Publisher.
var _ Publisher = (*Broadcaster)(nil)
