package slo

import "time"

// Well-known SLO names used by the convenience recorders. Each is defined
// lazily with sensible defaults the first time its recorder runs, so callers
// that only need the standard objectives skip explicit Define calls.
const (
	SLOAvailability   = "availability"
	SLODeployment     = "deployment-success"
	SLOTestRun        = "test-success"
	SLOSecurityScan   = "security-scan"
	SLOResponseTime   = "response-time"
	SLOStageExecution = "stage-execution"
)

func (m *Monitor) ensure(name string, def SLO) {
	if !m.Defined(name) {
		_ = m.Define(name, def)
	}
}

// RecordAvailability records an availability observation.
func (m *Monitor) RecordAvailability(success bool) (float64, error) {
	m.ensure(SLOAvailability, SLO{Target: 0.999, Description: "Service availability"})
	return m.Record(SLOAvailability, success, nil)
}

// RecordDeployment records a deployment outcome.
func (m *Monitor) RecordDeployment(success bool) (float64, error) {
	m.ensure(SLODeployment, SLO{Target: 0.95, Description: "Deployment success rate"})
	return m.Record(SLODeployment, success, nil)
}

// RecordTestRun records a test-suite outcome.
func (m *Monitor) RecordTestRun(success bool) (float64, error) {
	m.ensure(SLOTestRun, SLO{Target: 0.99, Description: "Test run success rate"})
	return m.Record(SLOTestRun, success, nil)
}

// RecordSecurityScan records a security-scan outcome.
func (m *Monitor) RecordSecurityScan(success bool) (float64, error) {
	m.ensure(SLOSecurityScan, SLO{Target: 1.0, Description: "Clean security scans"})
	return m.Record(SLOSecurityScan, success, nil)
}

// RecordResponseTime records a latency observation; it counts as a success
// when the duration is at or under the threshold.
func (m *Monitor) RecordResponseTime(elapsed, threshold time.Duration) (float64, error) {
	m.ensure(SLOResponseTime, SLO{Target: 0.95, Description: "Responses within latency threshold"})
	return m.Record(SLOResponseTime, elapsed <= threshold, map[string]any{
		"elapsed_ms":   elapsed.Milliseconds(),
		"threshold_ms": threshold.Milliseconds(),
	})
}

// RecordStageExecution records a pipeline stage outcome with its duration.
func (m *Monitor) RecordStageExecution(stage string, elapsed time.Duration, success bool) (float64, error) {
	m.ensure(SLOStageExecution, SLO{Target: 0.99, Description: "Pipeline stage success rate"})
	return m.Record(SLOStageExecution, success, map[string]any{
		"stage":      stage,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}
