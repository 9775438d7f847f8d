// Package slo maintains sliding-window service-level indicators, error
// budget accounting, and threshold alerting for pipeline operations. The
// monitor computes and emits; routing alerts anywhere (webhook, Slack,
// pager) is the notifier's job, never the monitor's.
package slo

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DevilsDev/ragpipe/internal/config"
	"github.com/DevilsDev/ragpipe/internal/eventbus"
	"github.com/DevilsDev/ragpipe/internal/metrics"
)

// Sentinel errors
var (
	ErrUnknownSLO = errors.New("slo: unknown SLO")
	ErrInvalidSLO = errors.New("slo: invalid definition")
)

const (
	// maxWindowEntries caps per-SLO measurement retention to prevent
	// unbounded memory growth under pathological load.
	maxWindowEntries = 10000

	// alertRetention is how long triggered alerts stay in the active list.
	alertRetention = 24 * time.Hour
)

// SLO is a service-level objective definition.
type SLO struct {
	Name           string        `json:"name"`
	Target         float64       `json:"target"`          // [0,1]
	Window         time.Duration `json:"window"`          // sliding measurement window
	ErrorBudget    float64       `json:"error_budget"`    // defaults to 1 - Target
	AlertThreshold float64       `json:"alert_threshold"` // must be <= Target
	Description    string        `json:"description,omitempty"`
}

// Measurement is one success/failure observation.
type Measurement struct {
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Alert records an SLI dropping below its alert threshold. While the breach
// persists the alert stays active and its CurrentSLI tracks the latest
// evaluation; recovery closes it (it remains listed for 24 h).
type Alert struct {
	ID             string    `json:"id"`
	SLO            string    `json:"slo"`
	Severity       string    `json:"severity"`
	CurrentSLI     float64   `json:"current_sli"`
	Target         float64   `json:"target"`
	AlertThreshold float64   `json:"alert_threshold"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorBudget is the budget accounting view of one SLO.
type ErrorBudget struct {
	Target               float64 `json:"target"`
	Current              float64 `json:"current"`
	ErrorBudget          float64 `json:"error_budget"`
	ErrorBudgetUsed      float64 `json:"error_budget_used"`
	ErrorBudgetRemaining float64 `json:"error_budget_remaining"`
	// ErrorBudgetPercentage is the used fraction relative to the budget,
	// in percent.
	ErrorBudgetPercentage float64 `json:"error_budget_percentage"`
}

type sloState struct {
	def          SLO
	measurements []Measurement
	alertActive  bool
}

// Monitor tracks SLOs. All methods are safe for concurrent use; readers may
// observe slightly stale windows but never partially mutated state.
type Monitor struct {
	cfg config.SLOConfig
	bus *eventbus.Bus

	mu     sync.Mutex
	slos   map[string]*sloState
	alerts []Alert

	onSLI func(name string, sli float64)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithBus attaches the event bus used for alert emission.
func WithBus(b *eventbus.Bus) MonitorOption {
	return func(m *Monitor) { m.bus = b }
}

// WithSLIHook attaches a callback invoked with the current SLI after every
// measurement; the metrics layer uses it to export gauges.
func WithSLIHook(hook func(name string, sli float64)) MonitorOption {
	return func(m *Monitor) { m.onSLI = hook }
}

// NewMonitor creates an SLO monitor with per-toolkit defaults from cfg.
func NewMonitor(cfg config.SLOConfig, opts ...MonitorOption) *Monitor {
	if cfg.MeasurementWindow <= 0 {
		cfg.MeasurementWindow = 5 * time.Minute
	}
	if cfg.AlertThreshold <= 0 || cfg.AlertThreshold > 1 {
		cfg.AlertThreshold = 0.95
	}
	m := &Monitor{
		cfg:  cfg,
		slos: make(map[string]*sloState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Define registers an SLO. Zero-valued fields take defaults: Window from the
// monitor config, ErrorBudget as 1 - Target, AlertThreshold from the monitor
// config clamped to Target.
func (m *Monitor) Define(name string, def SLO) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSLO)
	}
	if def.Target < 0 || def.Target > 1 {
		return fmt.Errorf("%w: target %v outside [0,1]", ErrInvalidSLO, def.Target)
	}
	def.Name = name
	if def.Window <= 0 {
		def.Window = m.cfg.MeasurementWindow
	}
	if def.ErrorBudget <= 0 {
		def.ErrorBudget = 1 - def.Target
	}
	if def.AlertThreshold <= 0 {
		def.AlertThreshold = m.cfg.AlertThreshold
	}
	if def.AlertThreshold > def.Target {
		def.AlertThreshold = def.Target
	}

	m.mu.Lock()
	m.slos[name] = &sloState{def: def}
	m.mu.Unlock()
	return nil
}

// Defined reports whether an SLO with the given name exists.
func (m *Monitor) Defined(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slos[name]
	return ok
}

// Record adds a measurement and returns the current SLI. The window is
// pruned on every write; an SLI below the alert threshold opens (or keeps
// open) the SLO's active alert.
func (m *Monitor) Record(name string, success bool, metadata map[string]any) (float64, error) {
	now := time.Now()

	m.mu.Lock()
	s, ok := m.slos[name]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrUnknownSLO, name)
	}

	s.measurements = append(s.measurements, Measurement{
		Timestamp: now,
		Success:   success,
		Metadata:  metadata,
	})
	s.prune(now)

	sli := s.sli()
	var fired *Alert
	if sli < s.def.AlertThreshold {
		if !s.alertActive {
			s.alertActive = true
			a := Alert{
				ID:             uuid.New().String(),
				SLO:            name,
				Severity:       "critical",
				CurrentSLI:     sli,
				Target:         s.def.Target,
				AlertThreshold: s.def.AlertThreshold,
				Timestamp:      now,
			}
			m.alerts = append(m.alerts, a)
			fired = &a
		} else {
			// Breach persists: track the latest SLI on the open alert.
			for i := len(m.alerts) - 1; i >= 0; i-- {
				if m.alerts[i].SLO == name {
					m.alerts[i].CurrentSLI = sli
					break
				}
			}
		}
	} else {
		s.alertActive = false
	}
	m.pruneAlerts(now)
	active := len(m.alerts)
	m.mu.Unlock()

	if m.onSLI != nil {
		m.onSLI(name, sli)
	}
	metrics.SetActiveAlerts(active)
	if fired != nil {
		metrics.RecordSLOAlert(name)
		if m.bus != nil {
			m.bus.Emit(eventbus.EventSLOAlert, map[string]any{
				"alert":       *fired,
				"slo":         name,
				"current_sli": fired.CurrentSLI,
				"target":      fired.Target,
			})
		}
	}
	return sli, nil
}

// SLI returns the current indicator for an SLO: successes over total within
// the window, or 1.0 when the window holds no measurements.
func (m *Monitor) SLI(name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSLO, name)
	}
	s.prune(time.Now())
	return s.sli(), nil
}

// Budget returns the error-budget accounting for an SLO.
func (m *Monitor) Budget(name string) (ErrorBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[name]
	if !ok {
		return ErrorBudget{}, fmt.Errorf("%w: %q", ErrUnknownSLO, name)
	}
	s.prune(time.Now())
	return s.budget(), nil
}

// ActiveAlerts returns alerts triggered within the last 24 hours.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneAlerts(time.Now())
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *Monitor) pruneAlerts(now time.Time) {
	cutoff := now.Add(-alertRetention)
	i := 0
	for i < len(m.alerts) && m.alerts[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.alerts = append([]Alert(nil), m.alerts[i:]...)
	}
}

// prune drops measurements older than the window. Must hold the monitor lock.
func (s *sloState) prune(now time.Time) {
	cutoff := now.Add(-s.def.Window)
	i := 0
	for i < len(s.measurements) && s.measurements[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.measurements = append([]Measurement(nil), s.measurements[i:]...)
	}
	if len(s.measurements) > maxWindowEntries {
		s.measurements = s.measurements[len(s.measurements)-maxWindowEntries:]
	}
}

func (s *sloState) sli() float64 {
	if len(s.measurements) == 0 {
		return 1.0
	}
	succ := 0
	for _, ms := range s.measurements {
		if ms.Success {
			succ++
		}
	}
	return float64(succ) / float64(len(s.measurements))
}

func (s *sloState) budget() ErrorBudget {
	sli := s.sli()
	used := s.def.Target - sli
	if used < 0 {
		used = 0
	}
	remaining := s.def.ErrorBudget - used
	if remaining < 0 {
		remaining = 0
	}
	b := ErrorBudget{
		Target:               s.def.Target,
		Current:              sli,
		ErrorBudget:          s.def.ErrorBudget,
		ErrorBudgetUsed:      used,
		ErrorBudgetRemaining: remaining,
	}
	if s.def.ErrorBudget > 0 {
		b.ErrorBudgetPercentage = 100 * used / s.def.ErrorBudget
	}
	return b
}
