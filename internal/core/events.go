package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind distinguishes state transitions from execution results.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventResult     EventKind = "result"
)

// Event describes a task lifecycle change.
type Event struct {
	Kind       EventKind     `json:"kind"`
	TaskID     string        `json:"task_id"`
	Capability string        `json:"capability"`
	AgentID    string        `json:"agent_id,omitempty"`
	From       TaskState     `json:"from,omitempty"`
	State      TaskState     `json:"state,omitempty"`
	Attempt    int           `json:"attempt"`
	Outcome    Outcome       `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	At         time.Time     `json:"at"`
}

// EventBus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	next   uint64
	closed bool

	published  atomic.Uint64
	dropped    atomic.Uint64
	lastDropAt atomic.Int64
}

// NewEventBus creates an event bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// func unsubscribes and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.lastDropAt.Store(time.Now().UnixNano())
		}
	}
}

// Stats returns the number of published and dropped deliveries.
func (b *EventBus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// DroppedSince reports whether a delivery was dropped after t.
func (b *EventBus) DroppedSince(t time.Time) bool {
	last := b.lastDropAt.Load()
	return last != 0 && last > t.UnixNano()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
