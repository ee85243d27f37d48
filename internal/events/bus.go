package events

import (
	"sync"
	"sync/atomic"
)

// defaultBufSize is used when a subscriber asks for a non-positive buffer.
const defaultBufSize = 256

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	dropped atomic.Uint64           // deliveries discarded because a subscriber was full
	closed  bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubscriberChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// Returns a single read-only channel that receives events from every topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubscriberChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe or SubscribeAll.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for topic, channels := range b.subs {
		for i, ch := range channels {
			if ch == sub {
				b.subs[topic] = append(channels[:i], channels[i+1:]...)
				close(ch)
				return
			}
		}
	}
	for i, ch := range b.allSubs {
		if ch == sub {
			b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers of the event's topic.
// Non-blocking: if a subscriber's channel is full, the event is dropped for that subscriber.
// Also sends to all SubscribeAll channels.
func (b *EventBus) Publish(event Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// Don't publish if bus is closed
	if b.closed {
		return
	}

	for _, ch := range b.subs[event.Topic()] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		// Channel full, drop event (non-blocking)
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func newSubscriberChan(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return make(chan Event, bufSize)
}
