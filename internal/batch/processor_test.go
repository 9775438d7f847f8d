package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DevilsDev/ragpipe/internal/eventbus"
)

// echoFn maps each item to itself; used where only partitioning matters.
func echoFn(ctx context.Context, items []any) ([]any, error) {
	out := make([]any, len(items))
	copy(out, items)
	return out, nil
}

func stringItems(n, length int) []any {
	items := make([]any, n)
	for i := range items {
		items[i] = strings.Repeat("x", length)
	}
	return items
}

// eventRecorder collects events from a call.
type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) add(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t string) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestProcessBatches_BoundsAndAccounting(t *testing.T) {
	p := NewProcessor(Options{
		MaxItemsPerBatch:       100,
		MaxTokensPerBatch:      1000,
		TargetBatchUtilization: 1.0,
		RetryDelay:             time.Millisecond,
	}, nil)

	rec := &eventRecorder{}
	items := stringItems(300, 40) // 10 tokens each
	results, err := p.ProcessBatches(context.Background(), items, echoFn, &CallOptions{OnProgress: rec.add})
	if err != nil {
		t.Fatalf("ProcessBatches failed: %v", err)
	}
	if len(results) != 300 {
		t.Fatalf("got %d results, want 300", len(results))
	}

	completes := rec.ofType(eventbus.EventBatchComplete)
	if len(completes) != 3 {
		t.Fatalf("got %d batches, want 3", len(completes))
	}
	for _, e := range completes {
		if size := e.Int("batch_size"); size != 100 {
			t.Fatalf("batch size = %d, want 100", size)
		}
	}

	m := p.Metrics()
	if m.APICallsSaved != 297 {
		t.Fatalf("apiCallsSaved = %d, want 297", m.APICallsSaved)
	}
	if m.TotalBatches != 3 || m.TotalItems != 300 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestProcessBatches_OrderPreserved(t *testing.T) {
	p := NewProcessor(Options{MaxItemsPerBatch: 7, RetryDelay: time.Millisecond}, nil)

	items := make([]any, 50)
	for i := range items {
		items[i] = fmt.Sprintf("item-%02d", i)
	}

	upper := func(ctx context.Context, batch []any) ([]any, error) {
		out := make([]any, len(batch))
		for i, it := range batch {
			out[i] = strings.ToUpper(it.(string))
		}
		return out, nil
	}

	results, err := p.ProcessBatches(context.Background(), items, upper, nil)
	if err != nil {
		t.Fatalf("ProcessBatches failed: %v", err)
	}
	for i, r := range results {
		want := strings.ToUpper(items[i].(string))
		if r != want {
			t.Fatalf("results[%d] = %v, want %v", i, r, want)
		}
	}
}

func TestProcessBatches_OversizeItemTravelsAlone(t *testing.T) {
	p := NewProcessor(Options{
		MaxItemsPerBatch:       10,
		MaxTokensPerBatch:      100,
		TargetBatchUtilization: 1.0,
		RetryDelay:             time.Millisecond,
	}, nil)

	items := []any{
		strings.Repeat("a", 40),  // 10 tokens
		strings.Repeat("b", 800), // 200 tokens, alone
		strings.Repeat("c", 40),
	}

	var batches [][]any
	fn := func(ctx context.Context, batch []any) ([]any, error) {
		cp := make([]any, len(batch))
		copy(cp, batch)
		batches = append(batches, cp)
		return batch, nil
	}

	results, err := p.ProcessBatches(context.Background(), items, fn, nil)
	if err != nil {
		t.Fatalf("ProcessBatches failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3: oversize item must not merge", len(batches))
	}
	if len(batches[1]) != 1 {
		t.Fatalf("oversize batch has %d items, want 1", len(batches[1]))
	}
}

func TestProcessBatches_RetryThenSucceed(t *testing.T) {
	p := NewProcessor(Options{
		MaxItemsPerBatch: 100,
		MaxRetries:       3,
		RetryDelay:       time.Millisecond,
	}, nil)

	rec := &eventRecorder{}
	calls := 0
	fn := func(ctx context.Context, batch []any) ([]any, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("transient upstream error")
		}
		return batch, nil
	}

	items := stringItems(5, 8)
	results, err := p.ProcessBatches(context.Background(), items, fn, &CallOptions{OnProgress: rec.add})
	if err != nil {
		t.Fatalf("ProcessBatches failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}

	retries := rec.ofType(eventbus.EventBatchRetry)
	if len(retries) != 1 {
		t.Fatalf("got %d batch_retry events, want 1", len(retries))
	}
	if rc := retries[0].Int("retry_count"); rc != 1 {
		t.Fatalf("retry_count = %d, want 1", rc)
	}
}

func TestProcessBatches_RetriesExhausted(t *testing.T) {
	p := NewProcessor(Options{
		MaxItemsPerBatch: 10,
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
	}, nil)

	calls := 0
	fn := func(ctx context.Context, batch []any) ([]any, error) {
		calls++
		return nil, fmt.Errorf("always down")
	}

	_, err := p.ProcessBatches(context.Background(), stringItems(3, 8), fn, nil)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BatchError, got: %v", err)
	}
	if be.BatchIndex != 0 || be.Attempts != 2 {
		t.Fatalf("unexpected batch error: %+v", be)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want 2", calls)
	}
	if m := p.Metrics(); m.FailedBatches != 1 {
		t.Fatalf("failedBatches = %d, want 1", m.FailedBatches)
	}
}

func TestProcessBatches_InvalidArguments(t *testing.T) {
	p := NewProcessor(Options{}, nil)

	if _, err := p.ProcessBatches(context.Background(), nil, echoFn, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty items: expected ErrInvalidArgument, got: %v", err)
	}
	if _, err := p.ProcessBatches(context.Background(), stringItems(1, 4), nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil fn: expected ErrInvalidArgument, got: %v", err)
	}
}

func TestProcessBatches_ResultLengthMismatch(t *testing.T) {
	p := NewProcessor(Options{MaxItemsPerBatch: 10, MaxRetries: 1, RetryDelay: time.Millisecond}, nil)

	fn := func(ctx context.Context, batch []any) ([]any, error) {
		return batch[:len(batch)-1], nil
	}
	_, err := p.ProcessBatches(context.Background(), stringItems(4, 8), fn, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on length mismatch, got: %v", err)
	}
}

func TestProcessBatches_Cancellation(t *testing.T) {
	p := NewProcessor(Options{MaxItemsPerBatch: 1, RetryDelay: time.Millisecond}, nil)

	rec := &eventRecorder{}
	firstBatch := make(chan struct{})
	var once sync.Once
	fn := func(ctx context.Context, batch []any) ([]any, error) {
		once.Do(func() { close(firstBatch) })
		time.Sleep(5 * time.Millisecond)
		return batch, nil
	}

	go func() {
		<-firstBatch
		p.Cancel()
	}()

	_, err := p.ProcessBatches(context.Background(), stringItems(100, 8), fn, &CallOptions{OnProgress: rec.add})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got: %v", err)
	}
	if len(rec.ofType(eventbus.EventCancelled)) != 1 {
		t.Fatal("expected a cancelled event")
	}
	if p.Status().Processing {
		t.Fatal("processor still marked processing after cancellation")
	}
}

func TestProcessBatches_ModelPreset(t *testing.T) {
	p := NewProcessor(Options{Model: "text-embedding-3-small", RetryDelay: time.Millisecond}, nil)
	if p.cfg.MaxTokensPerBatch != 8191 || p.cfg.MaxItemsPerBatch != 2048 {
		t.Fatalf("preset not applied: %+v", p.cfg)
	}

	// Explicit fields beat the preset.
	p2 := NewProcessor(Options{Model: "text-embedding-3-small", MaxItemsPerBatch: 16}, nil)
	if p2.cfg.MaxItemsPerBatch != 16 {
		t.Fatalf("explicit option lost to preset: %+v", p2.cfg)
	}

	// Unknown models fall through to defaults.
	p3 := NewProcessor(Options{Model: "mystery-model-9000"}, nil)
	if p3.cfg.MaxItemsPerBatch != 100 || p3.cfg.MaxTokensPerBatch != 8191 {
		t.Fatalf("unknown model should use defaults: %+v", p3.cfg)
	}
}

func TestProcessBatches_EventSequence(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var types []string
	bus.Subscribe(eventbus.ObserverFunc(func(e eventbus.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}))

	p := NewProcessor(Options{MaxItemsPerBatch: 5, RetryDelay: time.Millisecond}, bus)
	if _, err := p.ProcessBatches(context.Background(), stringItems(10, 8), echoFn, nil); err != nil {
		t.Fatalf("ProcessBatches failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if types[0] != eventbus.EventBatchStart {
		t.Fatalf("first event = %s, want start", types[0])
	}
	if types[len(types)-1] != eventbus.EventComplete {
		t.Fatalf("last event = %s, want complete", types[len(types)-1])
	}
}

func TestSizeController_MovesTowardFastestBatchSize(t *testing.T) {
	c := newSizeController(64, 1, 64)

	// Small batches are observed to be faster per item; the target should fall.
	for i := 0; i < 10; i++ {
		c.record(64, 640*time.Millisecond, 64, true) // 10ms/item
		c.record(8, 8*time.Millisecond, 8, true)     // 1ms/item
	}
	if got := c.targetSize(); got >= 64 {
		t.Fatalf("target = %d, want < 64 after slow large batches", got)
	}

	before := c.targetSize()
	c.record(before, time.Second, before, false)
	if got := c.targetSize(); got >= before {
		t.Fatalf("target = %d, want < %d after failure", got, before)
	}
	if got := c.targetSize(); got < 1 {
		t.Fatalf("target %d fell below the floor", got)
	}
}

func TestMetrics_Efficiency(t *testing.T) {
	m := Metrics{TotalItems: 300, TotalBatches: 3, APICallsSaved: 297, TotalTime: time.Second}
	e := m.Efficiency()
	if e.APICallReduction != 297 {
		t.Fatalf("reduction = %d, want 297", e.APICallReduction)
	}
	if e.ReductionRatio < 0.98 || e.ReductionRatio > 1 {
		t.Fatalf("ratio = %v", e.ReductionRatio)
	}
	if e.Throughput != 300 {
		t.Fatalf("throughput = %v, want 300", e.Throughput)
	}
}
