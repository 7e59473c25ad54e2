// Package events implements the job lifecycle notification fan-out. The bus
// holds no job state: delivery is best-effort, at-most-once per subscriber,
// and clients reconcile by polling the queue endpoints after a reconnect.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/model"
)

const defaultBuffer = 16

// Bus is a registry of per-subscriber bounded channels. Publishing never
// blocks: a full channel on a slow subscriber drops that subscriber's
// oldest event instead of stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan model.Event
	buffer int
}

// NewBus creates a Bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[string]chan model.Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its id and delivery
// channel. The first event on the channel is the connection acknowledgment
// carrying the subscriber id.
func (b *Bus) Subscribe() (string, <-chan model.Event) {
	id := uuid.New().String()
	ch := make(chan model.Event, b.buffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	ch <- model.Event{Name: model.EventConnected, SubscriberID: id}

	zlog.Logger.Debug().Str("subscriber", id).Msg("event subscriber connected")
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
		zlog.Logger.Debug().Str("subscriber", id).Msg("event subscriber disconnected")
	}
}

// Publish fans the event out to all live subscribers without blocking.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: evict its oldest event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				zlog.Logger.Warn().Str("subscriber", id).Msg("dropping event for slow subscriber")
			}
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
