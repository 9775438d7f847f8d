// Package eventbus provides in-process delivery of toolkit events to
// subscribed observers.
//
// Three producers publish here: the batch processor (progress eventing),
// the SLO monitor (alerts), and the plugin registry (audit records).
// Consumers range from CLI progress rendering to external audit sinks;
// none of them may block a producer. Direct observers are called
// synchronously on the publishing goroutine and must return quickly;
// channel subscribers (Bus.Channel) get a bounded buffer with
// drop-and-warn overflow handling.
package eventbus

import "time"

// Batch processor event types. Payload fields are documented per type;
// all numeric fields arrive as int, int64 or float64 in Event.Fields.
const (
	// EventBatchStart fires once per ProcessBatches call.
	// Fields: total_items, estimated_batches.
	EventBatchStart = "start"

	// EventBatchProgress fires after each completed batch.
	// Fields: processed, total, percentage.
	EventBatchProgress = "progress"

	// EventBatchComplete fires per batch. Fields: batch_index, batch_size, duration_ms.
	EventBatchComplete = "batch_complete"

	// EventBatchRetry fires before each reattempt. Fields: batch_index, retry_count, max_retries.
	EventBatchRetry = "batch_retry"

	// EventMemoryWarning fires when heap usage crosses the configured limit.
	// Fields: used_mb, limit_mb.
	EventMemoryWarning = "memory_warning"

	// EventCancelled fires once when a run is cancelled.
	EventCancelled = "cancelled"

	// EventError fires on terminal failure. Fields: error.
	EventError = "error"

	// EventComplete fires once on success. Fields: total_items, total_batches, total_time_ms.
	EventComplete = "complete"
)

// SLO monitor event types.
const (
	// EventSLOAlert fires when a recorded measurement drops an SLI below its
	// alert threshold. Fields: alert (slo.Alert), slo, current_sli, target.
	EventSLOAlert = "alert"
)

// Registry event types.
const (
	// EventAudit carries a signature-verification audit record.
	// Fields: record (registry.AuditRecord).
	EventAudit = "audit"
)

// Event is a tagged record published on the bus.
type Event struct {
	Type   string
	Time   time.Time
	Fields map[string]any
}

// Field returns a payload field, or nil when absent.
func (e Event) Field(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

// Int returns an integer payload field, tolerating int/int64/float64 encodings.
func (e Event) Int(key string) int {
	switch v := e.Field(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Observer receives published events. Implementations must not block;
// slow consumers should use Bus.Channel instead.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(e Event) { f(e) }
