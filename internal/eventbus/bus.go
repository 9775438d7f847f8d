package eventbus

import (
	"sync"
	"time"

	"github.com/DevilsDev/ragpipe/internal/logging"
)

// Bus fans out events to subscribed observers. Publish is synchronous
// for direct observers and non-blocking for channel subscribers.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{observers: make(map[int]Observer)}
}

// Subscribe registers an observer and returns an unsubscribe function.
func (b *Bus) Subscribe(o Observer) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = o
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Publish delivers an event to all current subscribers. The event time is
// stamped if the caller left it zero.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	obs := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		obs = append(obs, o)
	}
	b.mu.RUnlock()

	for _, o := range obs {
		o.OnEvent(e)
	}
}

// Emit is shorthand for Publish with an inline field map.
func (b *Bus) Emit(eventType string, fields map[string]any) {
	b.Publish(Event{Type: eventType, Fields: fields})
}

// Channel subscribes a buffered channel to the bus. Events that arrive while
// the buffer is full are dropped with a warning rather than blocking the
// producer. The returned cancel function unsubscribes and closes the channel.
func (b *Bus) Channel(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	// Publish snapshots the observer list before delivering, so an event may
	// still arrive after unsubscribe; the closed flag keeps that late delivery
	// off the closed channel.
	var mu sync.Mutex
	closed := false

	unsub := b.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			logging.Op().Warn("dropping event due to full subscriber buffer", "type", e.Type)
		}
	}))

	cancel := func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
	return ch, cancel
}
