package batch

import "time"

// Metrics accumulates per-call batching statistics. Fields are monotonic
// within a call and reset on ResetMetrics.
type Metrics struct {
	TotalItems     int           `json:"total_items"`
	ProcessedItems int           `json:"processed_items"`
	TotalBatches   int           `json:"total_batches"`
	FailedBatches  int           `json:"failed_batches"`
	APICallsSaved  int           `json:"api_calls_saved"`
	AvgBatchSize   float64       `json:"avg_batch_size"`
	TotalTime      time.Duration `json:"total_time"`
	PeakMemoryMB   float64       `json:"peak_memory_mb"`
}

// Efficiency reports the API-call reduction both as a count and a ratio,
// plus item throughput per second.
type Efficiency struct {
	APICallReduction int     `json:"api_call_reduction"`
	ReductionRatio   float64 `json:"reduction_ratio"`
	Throughput       float64 `json:"throughput_per_sec"`
}

// Efficiency derives the efficiency view from the metrics.
func (m Metrics) Efficiency() Efficiency {
	e := Efficiency{APICallReduction: m.APICallsSaved}
	if m.TotalItems > 0 {
		e.ReductionRatio = float64(m.APICallsSaved) / float64(m.TotalItems)
	}
	if m.TotalTime > 0 {
		e.Throughput = float64(m.TotalItems) / m.TotalTime.Seconds()
	}
	return e
}

// Status is a point-in-time view of an in-flight call.
type Status struct {
	Processing bool    `json:"processing"`
	Progress   float64 `json:"progress"` // 0..1 of items processed
}
