// Package metrics exposes Prometheus collectors for the toolkit: stage
// executions, batching efficiency, SLO indicators, and circuit breaker
// state. Collectors live on a private registry so embedding applications
// never collide with the toolkit's metric names.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the toolkit's prometheus collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	stageExecutionsTotal *prometheus.CounterVec
	pluginRegistrations  *prometheus.CounterVec
	batchesTotal         *prometheus.CounterVec
	batchItemsTotal      prometheus.Counter
	apiCallsSavedTotal   prometheus.Counter
	sloAlertsTotal       *prometheus.CounterVec
	breakerTripsTotal    *prometheus.CounterVec

	// Histograms
	stageDuration *prometheus.HistogramVec
	batchDuration prometheus.Histogram
	batchSize     prometheus.Histogram

	// Gauges
	uptime        prometheus.GaugeFunc
	sli           *prometheus.GaugeVec
	activeAlerts  prometheus.Gauge
	breakerState  *prometheus.GaugeVec
	runsInFlight  prometheus.Gauge
}

// Default histogram buckets for stage duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()

	pm := &PrometheusMetrics{
		registry: registry,

		stageExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_executions_total",
				Help:      "Total number of pipeline stage executions",
			},
			[]string{"stage", "status"},
		),
		pluginRegistrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_registrations_total",
				Help:      "Total number of plugin registrations",
			},
			[]string{"category", "status"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of processed batches",
			},
			[]string{"status"},
		),
		batchItemsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Total number of items processed through batches",
			},
		),
		apiCallsSavedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_calls_saved_total",
				Help:      "API calls avoided by batching (items minus batches)",
			},
		),
		sloAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slo_alerts_total",
				Help:      "Total number of SLO alerts fired",
			},
			[]string{"slo"},
		),
		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"plugin"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_ms",
				Help:      "Stage execution duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_ms",
				Help:      "Batch processing duration in milliseconds",
				Buckets:   buckets,
			},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size_items",
				Help:      "Items per processed batch",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2048},
			},
		),

		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Process uptime in seconds",
			},
			func() float64 { return time.Since(start).Seconds() },
		),
		sli: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sli",
				Help:      "Current service level indicator per SLO",
			},
			[]string{"slo"},
		),
		activeAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "slo_active_alerts",
				Help:      "Number of active SLO alerts",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per plugin (0=closed, 1=open, 2=half-open)",
			},
			[]string{"plugin"},
		),
		runsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_in_flight",
				Help:      "Pipeline executions currently running",
			},
		),
	}

	registry.MustRegister(
		pm.stageExecutionsTotal,
		pm.pluginRegistrations,
		pm.batchesTotal,
		pm.batchItemsTotal,
		pm.apiCallsSavedTotal,
		pm.sloAlertsTotal,
		pm.breakerTripsTotal,
		pm.stageDuration,
		pm.batchDuration,
		pm.batchSize,
		pm.uptime,
		pm.sli,
		pm.activeAlerts,
		pm.breakerState,
		pm.runsInFlight,
	)

	promMetrics = pm
}

// Enabled reports whether InitPrometheus has run.
func Enabled() bool { return promMetrics != nil }

// Handler returns the /metrics HTTP handler, or a 404 handler when metrics
// are disabled.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// RecordStageExecution observes one stage run.
func RecordStageExecution(stage string, duration time.Duration, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	promMetrics.stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	promMetrics.stageDuration.WithLabelValues(stage).Observe(float64(duration.Milliseconds()))
}

// RecordPluginRegistration counts a registration attempt.
func RecordPluginRegistration(category string, ok bool) {
	if promMetrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "rejected"
	}
	promMetrics.pluginRegistrations.WithLabelValues(category, status).Inc()
}

// RecordBatch observes one completed or failed batch.
func RecordBatch(size int, duration time.Duration, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	promMetrics.batchesTotal.WithLabelValues(status).Inc()
	if success {
		promMetrics.batchItemsTotal.Add(float64(size))
		if size > 1 {
			promMetrics.apiCallsSavedTotal.Add(float64(size - 1))
		}
		promMetrics.batchSize.Observe(float64(size))
		promMetrics.batchDuration.Observe(float64(duration.Milliseconds()))
	}
}

// SetSLI exports the current SLI for one SLO.
func SetSLI(slo string, value float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.sli.WithLabelValues(slo).Set(value)
}

// RecordSLOAlert counts a fired alert.
func RecordSLOAlert(slo string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sloAlertsTotal.WithLabelValues(slo).Inc()
}

// SetActiveAlerts exports the active alert count.
func SetActiveAlerts(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeAlerts.Set(float64(n))
}

// SetBreakerState exports a circuit breaker state (0=closed, 1=open, 2=half-open).
func SetBreakerState(plugin string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(plugin).Set(float64(state))
}

// RecordBreakerTrip counts a breaker trip.
func RecordBreakerTrip(plugin string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(plugin).Inc()
}

// RunStarted marks a pipeline run in flight.
func RunStarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.runsInFlight.Inc()
}

// RunFinished marks a pipeline run complete.
func RunFinished() {
	if promMetrics == nil {
		return
	}
	promMetrics.runsInFlight.Dec()
}
