package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ErrorPct:       50,
		WindowDuration: time.Minute,
		OpenDuration:   20 * time.Millisecond,
		HalfOpenProbes: 2,
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New(testConfig())

	b.RecordSuccess()
	b.RecordFailure() // 1/2 = 50% >= threshold

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if b.Allow() {
		t.Fatal("open breaker must reject invocations")
	}
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 9; i++ {
		b.RecordSuccess()
	}
	b.RecordFailure() // 10% error rate

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New(testConfig())
	b.RecordFailure() // 100% -> open

	time.Sleep(30 * time.Millisecond)

	// Two probes allowed in half-open.
	if !b.Allow() {
		t.Fatal("first half-open probe should pass")
	}
	if !b.Allow() {
		t.Fatal("second half-open probe should pass")
	}
	if b.Allow() {
		t.Fatal("third probe should be rejected")
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after successful probes = %s, want closed", got)
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := New(testConfig())
	b.RecordFailure()

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure()

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open after failed probe", got)
	}
}

func TestRegistry_ReturnsNilWithoutConfig(t *testing.T) {
	r := NewRegistry()
	if b := r.Get("embedder/fast", Config{}); b != nil {
		t.Fatal("unconfigured breaker should be nil")
	}
}

func TestRegistry_SharedPerKey(t *testing.T) {
	r := NewRegistry()
	cfg := testConfig()

	a := r.Get("embedder/fast", cfg)
	b := r.Get("embedder/fast", cfg)
	if a != b {
		t.Fatal("same key must share one breaker")
	}
	if c := r.Get("llm/claude", cfg); c == a {
		t.Fatal("different keys must not share breakers")
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}

	r.Remove("embedder/fast")
	if len(r.Snapshot()) != 1 {
		t.Fatal("Remove did not delete the breaker")
	}
}
