package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/siemflux/internal/model"
)

const namespace = "siemflux"

// Metrics holds all the Prometheus metrics for the pipeline service
type Metrics struct {
	registry *prometheus.Registry

	InferenceTotal    *prometheus.CounterVec
	InferenceErrors   *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	FallbacksTotal    *prometheus.CounterVec
	ShortCircuits     *prometheus.CounterVec

	BatchesTotal    prometheus.Counter
	BatchesFailed   prometheus.Counter
	BatchDuration   prometheus.Histogram
	LogsIngested    *prometheus.CounterVec
	AlertsPublished *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	LogsInvalid     prometheus.Counter
	BufferSize      prometheus.Gauge

	LogsProcessed       prometheus.Gauge
	AlertsGenerated     prometheus.Gauge
	AnomaliesDetected   prometheus.Gauge
	ThreatsVerified     prometheus.Gauge
	NormalizationErrors prometheus.Gauge
	ProcessingTimeAvg   prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on its own registry, so
// several instances can coexist in one process
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InferenceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_calls_total",
			Help:      "Total number of inference calls per stage",
		}, []string{"stage"}),
		InferenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_errors_total",
			Help:      "Total number of failed inference calls per stage",
		}, []string{"stage"}),
		InferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Inference call latency including the wait for a permit",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		FallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_results_total",
			Help:      "Total number of heuristic fallback results per stage and reason",
		}, []string{"stage", "reason"}),
		ShortCircuits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "short_circuit_results_total",
			Help:      "Total number of items skipped because the upstream verdict was negative",
		}, []string{"stage"}),
		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batches processed",
		}),
		BatchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Total number of batches that failed and produced no alerts",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of one batch through all stages",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		LogsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_ingested_total",
			Help:      "Total number of raw log entries received per source",
		}, []string{"source"}),
		AlertsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Total number of alerts delivered per sink",
		}, []string{"sink"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of alert delivery errors per sink",
		}, []string{"sink"}),
		LogsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_invalid_total",
			Help:      "Total number of submitted log entries rejected by validation",
		}),
		BufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_size",
			Help:      "Raw log entries waiting for the next processing cycle",
		}),
		LogsProcessed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "logs_processed",
			Help:      "Running total of log entries processed by the pipeline",
		}),
		AlertsGenerated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_generated",
			Help:      "Running total of alerts generated by the pipeline",
		}),
		AnomaliesDetected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomalies_detected",
			Help:      "Running total of entries flagged anomalous",
		}),
		ThreatsVerified: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threats_verified",
			Help:      "Running total of entries verified as threats",
		}),
		NormalizationErrors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "normalization_errors",
			Help:      "Running total of raw entries dropped before normalization",
		}),
		ProcessingTimeAvg: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processing_time_avg_seconds",
			Help:      "Smoothed average duration of a ProcessLogs call",
		}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveInference records one inference call
func (m *Metrics) ObserveInference(stage string, d time.Duration, err error) {
	m.InferenceTotal.WithLabelValues(stage).Inc()
	m.InferenceDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.InferenceErrors.WithLabelValues(stage).Inc()
	}
}

// IncFallback increments the fallback counter for a stage
func (m *Metrics) IncFallback(stage, reason string) {
	m.FallbacksTotal.WithLabelValues(stage, reason).Inc()
}

// IncShortCircuit increments the short-circuit counter for a stage
func (m *Metrics) IncShortCircuit(stage string) {
	m.ShortCircuits.WithLabelValues(stage).Inc()
}

// ObserveBatch records one batch outcome
func (m *Metrics) ObserveBatch(size int, d time.Duration, err error) {
	m.BatchesTotal.Inc()
	m.BatchDuration.Observe(d.Seconds())
	if err != nil {
		m.BatchesFailed.Inc()
	}
}

// ObserveRun publishes the pipeline running statistics
func (m *Metrics) ObserveRun(stats model.ProcessingStats) {
	m.LogsProcessed.Set(float64(stats.TotalLogsProcessed))
	m.AlertsGenerated.Set(float64(stats.AlertsGenerated))
	m.AnomaliesDetected.Set(float64(stats.AnomaliesDetected))
	m.ThreatsVerified.Set(float64(stats.ThreatsVerified))
	m.NormalizationErrors.Set(float64(stats.NormalizationErrors))
	m.ProcessingTimeAvg.Set(stats.ProcessingTimeAvg)
}

// IncrementLogsIngested counts raw entries received from a source
func (m *Metrics) IncrementLogsIngested(source string, n int) {
	m.LogsIngested.WithLabelValues(source).Add(float64(n))
}

// IncrementLogsInvalid increments the logs_invalid_total counter
func (m *Metrics) IncrementLogsInvalid() {
	m.LogsInvalid.Inc()
}

// IncrementAlertsPublished counts alerts delivered to a sink
func (m *Metrics) IncrementAlertsPublished(sink string, n int) {
	m.AlertsPublished.WithLabelValues(sink).Add(float64(n))
}

// IncrementSinkErrors increments the sink error counter
func (m *Metrics) IncrementSinkErrors(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// SetBufferSize reports the current collection buffer length
func (m *Metrics) SetBufferSize(n int) {
	m.BufferSize.Set(float64(n))
}
