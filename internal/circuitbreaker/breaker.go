// Package circuitbreaker implements the per-plugin circuit breaker that
// protects pipeline execution from a repeatedly failing stage
// implementation (a flaky embedding endpoint, an overloaded LLM API).
//
// The breaker follows the standard three-state model:
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// Error rates are computed over a sliding window rather than fixed counters
// so that a burst of failures just before a counter reset is never lost.
//
// Invariants:
//   - successes and failures hold only timestamps inside the current window;
//     trimWindow runs after every write.
//   - maxWindowEntries caps both slices under pathological load.
//   - halfOpenProbes resets on every Open→HalfOpen transition: to 1 when
//     Allow performs it (that call is the first probe), to 0 when State does.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, invocations pass through
	StateOpen                  // Invocations are rejected
	StateHalfOpen              // Limited probe invocations are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       // Error percentage threshold to trip the breaker (0-100)
	WindowDuration time.Duration // Sliding window for error rate calculation
	OpenDuration   time.Duration // How long the breaker stays open before half-open
	HalfOpenProbes int           // Probe invocations allowed in half-open state
}

// Breaker is a per-plugin circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether an invocation may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.halfOpenProbes = 1
			b.halfOpenOK = 0
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful invocation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
		}
	}
}

// RecordFailure records a failed invocation, tripping the breaker when the
// windowed error rate reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		total := len(b.successes) + len(b.failures)
		if total > 0 {
			errorPct := float64(len(b.failures)) / float64(total) * 100
			if errorPct >= b.cfg.ErrorPct {
				b.state = StateOpen
				b.openedAt = now
			}
		}
	case StateHalfOpen:
		// Probe failed, reopen immediately
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current breaker state, applying the automatic
// Open→HalfOpen transition when the open period has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
	return b.state
}

// maxWindowEntries caps sliding window entries to prevent memory exhaustion.
const maxWindowEntries = 10000

// trimWindow removes entries outside the sliding window. Must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds per-plugin circuit breakers keyed by "category/name".
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a plugin key, creating one if the config is
// valid. Returns nil when circuit breaking is not configured.
func (r *Registry) Get(pluginKey string, cfg Config) *Breaker {
	if cfg.ErrorPct <= 0 || cfg.WindowDuration <= 0 || cfg.OpenDuration <= 0 {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[pluginKey]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[pluginKey]; ok {
		return b
	}
	b = New(cfg)
	r.breakers[pluginKey] = b
	return b
}

// Remove deletes the breaker for a plugin (e.g. after Clear on the plugin
// registry).
func (r *Registry) Remove(pluginKey string) {
	r.mu.Lock()
	delete(r.breakers, pluginKey)
	r.mu.Unlock()
}

// Snapshot returns plugin key to breaker state for observability export.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State().String()
	}
	return out
}
