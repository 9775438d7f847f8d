package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	got := map[string]int{}
	sub := func(name string) {
		b.Subscribe(ObserverFunc(func(e Event) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		}))
	}
	sub("first")
	sub("second")

	b.Emit(EventBatchStart, map[string]any{"total_items": 10})
	b.Emit(EventComplete, nil)

	mu.Lock()
	defer mu.Unlock()
	if got["first"] != 2 || got["second"] != 2 {
		t.Fatalf("unexpected delivery counts: %v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()

	count := 0
	unsub := b.Subscribe(ObserverFunc(func(e Event) { count++ }))

	b.Emit(EventComplete, nil)
	unsub()
	b.Emit(EventComplete, nil)

	if count != 1 {
		t.Fatalf("got %d deliveries, want 1", count)
	}
}

func TestBus_PublishStampsTime(t *testing.T) {
	b := New()

	var ts time.Time
	b.Subscribe(ObserverFunc(func(e Event) { ts = e.Time }))
	b.Emit(EventComplete, nil)

	if ts.IsZero() {
		t.Fatal("event time was not stamped")
	}
}

func TestBus_ChannelDropsWhenFull(t *testing.T) {
	b := New()
	ch, cancel := b.Channel(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Emit(EventBatchProgress, map[string]any{"processed": i})
	}

	// Only the buffered two survive; the rest were dropped, not blocked on.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != 2 {
				t.Fatalf("got %d buffered events, want 2", received)
			}
			return
		}
	}
}

func TestBus_ChannelCancelCloses(t *testing.T) {
	b := New()
	ch, cancel := b.Channel(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// A publish after cancel must not panic.
	b.Emit(EventComplete, nil)
}

func TestEvent_IntCoercion(t *testing.T) {
	e := Event{Fields: map[string]any{"a": 1, "b": int64(2), "c": 3.0}}
	if e.Int("a") != 1 || e.Int("b") != 2 || e.Int("c") != 3 {
		t.Fatalf("Int coercion failed: %v %v %v", e.Int("a"), e.Int("b"), e.Int("c"))
	}
	if e.Int("missing") != 0 {
		t.Fatal("missing field should coerce to 0")
	}
}
