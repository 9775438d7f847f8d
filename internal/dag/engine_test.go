package dag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func addFn(t *testing.T, g *Graph, id string, run RunFunc) {
	t.Helper()
	if _, err := g.AddNode(id, run); err != nil {
		t.Fatalf("AddNode(%q) failed: %v", id, err)
	}
}

func intOf(t *testing.T, v any) int {
	t.Helper()
	n, ok := v.(int)
	if !ok {
		t.Fatalf("expected int result, got %T (%v)", v, v)
	}
	return n
}

// depValue extracts the single dependency value from a node input map.
func depValue(t *testing.T, input any, dep string) any {
	t.Helper()
	m, ok := input.(map[string]any)
	if !ok {
		t.Fatalf("expected dependency map input, got %T", input)
	}
	return m[dep]
}

func TestExecute_SingleSink(t *testing.T) {
	g := NewGraph()
	addFn(t, g, "a", func(ctx context.Context, input any) (any, error) {
		return input.(int) + 1, nil
	})
	addFn(t, g, "b", func(ctx context.Context, input any) (any, error) {
		return depValue(t, input, "a").(int) * 2, nil
	})
	if err := g.Connect("a", "b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	e := NewEngine()
	res, err := e.Execute(context.Background(), g, ExecuteOptions{Seed: 3})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := intOf(t, res); got != 8 {
		t.Fatalf("result = %d, want 8", got)
	}
}

func TestExecute_MultipleSinksReturnsMap(t *testing.T) {
	g := NewGraph()
	addFn(t, g, "src", func(ctx context.Context, input any) (any, error) { return 10, nil })
	addFn(t, g, "s1", func(ctx context.Context, input any) (any, error) {
		return depValue(t, input, "src").(int) + 1, nil
	})
	addFn(t, g, "s2", func(ctx context.Context, input any) (any, error) {
		return depValue(t, input, "src").(int) + 2, nil
	})
	for _, to := range []string{"s1", "s2"} {
		if err := g.Connect("src", to); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}

	res, err := NewEngine().Execute(context.Background(), g, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", res)
	}
	if m["s1"] != 11 || m["s2"] != 12 {
		t.Fatalf("unexpected sink values: %v", m)
	}
}

func TestExecute_ErrorWrapPreservesNodeFailure(t *testing.T) {
	g := NewGraph()
	boom := errors.New("boom")
	addFn(t, g, "a", func(ctx context.Context, input any) (any, error) { return nil, boom })

	_, err := NewEngine().Execute(context.Background(), g, ExecuteOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.HasPrefix(err.Error(), "DAG execution failed:") {
		t.Fatalf("missing wrap prefix: %v", err)
	}
	var nf *NodeFailureError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NodeFailureError, got: %v", err)
	}
	if nf.NodeID != "a" || !errors.Is(nf, boom) {
		t.Fatalf("node failure lost fields: %+v", nf)
	}
}

func TestExecute_RetrySucceedsAfterFailures(t *testing.T) {
	g := NewGraph()
	var attempts atomic.Int32
	addFn(t, g, "flaky", func(ctx context.Context, input any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("transient")
		}
		return "ok", nil
	})

	e := NewEngine(WithRetryDelay(time.Millisecond))
	res, err := e.Execute(context.Background(), g, ExecuteOptions{
		RetryFailedNodes: true,
		MaxRetries:       3,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// Retry mode returns the full results map.
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("expected results map in retry mode, got %T", res)
	}
	if m["flaky"] != "ok" {
		t.Fatalf("unexpected result: %v", m)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestExecute_RetryExhausted(t *testing.T) {
	g := NewGraph()
	var attempts atomic.Int32
	addFn(t, g, "dead", func(ctx context.Context, input any) (any, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("permanent")
	})

	e := NewEngine(WithRetryDelay(time.Millisecond))
	_, err := e.Execute(context.Background(), g, ExecuteOptions{
		RetryFailedNodes: true,
		MaxRetries:       2,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 3 { // initial try + 2 retries
		t.Fatalf("attempts = %d, want 3", got)
	}
}

// TestExecute_GracefulDegradation runs the diamond a -> (b, c) -> d where b
// throws: the result map keeps a and c, and d is skipped.
func TestExecute_GracefulDegradation(t *testing.T) {
	g := buildDiamond(t, true)

	res, err := NewEngine().Execute(context.Background(), g, ExecuteOptions{
		Seed:                1,
		GracefulDegradation: true,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	m := res.(map[string]any)
	if _, ok := m["a"]; !ok {
		t.Fatal("missing result for a")
	}
	if _, ok := m["c"]; !ok {
		t.Fatal("missing result for c")
	}
	if _, ok := m["b"]; ok {
		t.Fatal("failed node b must not have a result")
	}
	if _, ok := m["d"]; ok {
		t.Fatal("sink d depends on the failed branch and must be skipped")
	}
}

func TestExecute_RequiredNodeFailureAborts(t *testing.T) {
	g := buildDiamond(t, true)

	_, err := NewEngine().Execute(context.Background(), g, ExecuteOptions{
		Seed:                1,
		GracefulDegradation: true,
		RequiredNodes:       []string{"d"},
	})
	if err == nil {
		t.Fatal("expected aggregate error for required sink")
	}
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got: %v", err)
	}
	if len(agg.Errors) != 1 || agg.Errors[0].NodeID != "d" {
		t.Fatalf("unexpected aggregate entries: %+v", agg.Errors)
	}
}

// buildDiamond returns a -> (b, c) -> d; when failLeft is set, b always fails.
func buildDiamond(t *testing.T, failLeft bool) *Graph {
	t.Helper()
	g := NewGraph()
	addFn(t, g, "a", func(ctx context.Context, input any) (any, error) { return "seed", nil })
	addFn(t, g, "b", func(ctx context.Context, input any) (any, error) {
		if failLeft {
			return nil, fmt.Errorf("left branch failed")
		}
		return "left", nil
	})
	addFn(t, g, "c", func(ctx context.Context, input any) (any, error) { return "right", nil })
	addFn(t, g, "d", func(ctx context.Context, input any) (any, error) { return "sink", nil })
	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if err := g.Connect(edge[0], edge[1]); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	return g
}

func TestExecute_Timeout(t *testing.T) {
	g := NewGraph()
	addFn(t, g, "slow", func(ctx context.Context, input any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	_, err := NewEngine().Execute(context.Background(), g, ExecuteOptions{
		Timeout: 50 * time.Millisecond,
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout was not enforced, took %s", elapsed)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got: %v", err)
	}
}

func TestExecute_ConcurrencyLimit(t *testing.T) {
	g := NewGraph()
	var running, peak atomic.Int32
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("n%d", i)
		addFn(t, g, id, func(ctx context.Context, input any) (any, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return id, nil
		})
	}

	res, err := NewEngine().Execute(context.Background(), g, ExecuteOptions{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if m := res.(map[string]any); len(m) != 6 {
		t.Fatalf("expected 6 sink results, got %d", len(m))
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestExecute_ConcurrentGracefulSkipsDownstream(t *testing.T) {
	g := buildDiamond(t, true)

	res, err := NewEngine().Execute(context.Background(), g, ExecuteOptions{
		Seed:                1,
		GracefulDegradation: true,
		MaxConcurrency:      4,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	m := res.(map[string]any)
	if _, ok := m["d"]; ok {
		t.Fatal("sink d must be skipped in concurrent graceful mode")
	}
	if _, ok := m["c"]; !ok {
		t.Fatal("healthy branch c must complete")
	}
}

func TestExecute_CheckpointAndResume(t *testing.T) {
	ctx := context.Background()
	var aRuns, bRuns atomic.Int32
	allowB := &atomic.Bool{}

	build := func() *Graph {
		g := NewGraph()
		addFn(t, g, "a", func(ctx context.Context, input any) (any, error) {
			aRuns.Add(1)
			return "a-result", nil
		})
		addFn(t, g, "b", func(ctx context.Context, input any) (any, error) {
			bRuns.Add(1)
			if !allowB.Load() {
				return nil, fmt.Errorf("b not ready yet")
			}
			return "b-result", nil
		})
		addFn(t, g, "c", func(ctx context.Context, input any) (any, error) {
			return depValue(t, input, "b").(string) + "+c", nil
		})
		if err := g.Connect("a", "b"); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if err := g.Connect("b", "c"); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		return g
	}

	e := NewEngine()

	// First run: b fails, a's result is checkpointed.
	_, err := e.Execute(ctx, build(), ExecuteOptions{
		CheckpointID:        "run-1",
		EnableCheckpoints:   true,
		GracefulDegradation: true,
	})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	snap, err := e.LoadCheckpoint(ctx, "run-1")
	if err != nil || snap == nil {
		t.Fatalf("expected checkpoint, got snap=%v err=%v", snap, err)
	}
	if snap.Results["a"] != "a-result" {
		t.Fatalf("checkpoint missing a: %+v", snap.Results)
	}

	// Second run resumes: a is rehydrated, b and c execute.
	allowB.Store(true)
	results, err := e.Resume(ctx, build(), snap, ExecuteOptions{})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if results["c"] != "b-result+c" {
		t.Fatalf("unexpected resume results: %v", results)
	}
	if aRuns.Load() != 1 {
		t.Fatalf("a ran %d times, want 1 (checkpointed result must be trusted)", aRuns.Load())
	}
	if bRuns.Load() != 2 {
		t.Fatalf("b ran %d times, want 2", bRuns.Load())
	}
}

func TestResume_SkipsNodesWithMissingDeps(t *testing.T) {
	g := NewGraph()
	addFn(t, g, "a", func(ctx context.Context, input any) (any, error) { return nil, fmt.Errorf("still broken") })
	addFn(t, g, "b", func(ctx context.Context, input any) (any, error) { return "b", nil })
	if err := g.Connect("a", "b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	results, err := NewEngine().Resume(context.Background(), g, nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got: %v", results)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	g := NewGraph()
	started := make(chan struct{})
	addFn(t, g, "waits", func(ctx context.Context, input any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-started
		cancel()
	}()

	_, err := NewEngine().Execute(ctx, g, ExecuteOptions{})
	wg.Wait()
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got: %v", err)
	}
}

func TestExecute_NodeObserver(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	e := NewEngine(WithNodeObserver(func(nodeID string, d time.Duration, err error) {
		mu.Lock()
		seen[nodeID] = err == nil
		mu.Unlock()
	}))

	g := NewGraph()
	addFn(t, g, "ok", func(ctx context.Context, input any) (any, error) { return 1, nil })
	addFn(t, g, "bad", func(ctx context.Context, input any) (any, error) { return nil, fmt.Errorf("no") })

	_, _ = e.Execute(context.Background(), g, ExecuteOptions{GracefulDegradation: true})

	mu.Lock()
	defer mu.Unlock()
	if ok, present := seen["ok"]; !present || !ok {
		t.Fatalf("observer missed successful node: %v", seen)
	}
	if bad, present := seen["bad"]; !present || bad {
		t.Fatalf("observer missed failed node: %v", seen)
	}
}
