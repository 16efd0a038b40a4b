package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Common metrics for the coordinator and worker processes
var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	// Registry metrics
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_workers_active",
			Help: "Number of live workers in the registry",
		},
	)

	RegistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_registrations_total",
			Help: "Total number of worker registrations",
		},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_heartbeats_total",
			Help: "Total number of heartbeat updates",
		},
		[]string{"result"},
	)

	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_evictions_total",
			Help: "Total number of workers evicted for staleness",
		},
	)

	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_selections_total",
			Help: "Total number of worker selections",
		},
		[]string{"model", "outcome"},
	)

	// Prediction metrics
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of prediction requests",
		},
		[]string{"model", "status"},
	)

	PredictionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prediction_duration_seconds",
			Help:    "End-to-end prediction duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	// Proxy metrics
	ProxyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_failures_total",
			Help: "Total number of failed forwards to workers",
		},
		[]string{"kind"},
	)

	// Worker agent metrics
	HeartbeatSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_heartbeat_sends_total",
			Help: "Total number of heartbeat sends from this worker",
		},
		[]string{"result"},
	)

	InferencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_inferences_total",
			Help: "Total number of inferences run on this worker",
		},
		[]string{"model", "status"},
	)

	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_inference_duration_seconds",
			Help:    "Model inference duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(service, method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func RecordHTTPDuration(service, method, path string, duration float64) {
	HTTPRequestDuration.WithLabelValues(service, method, path).Observe(duration)
}

// RecordSelection records the outcome of a registry selection
func RecordSelection(model, outcome string) {
	SelectionsTotal.WithLabelValues(model, outcome).Inc()
}

// RecordPrediction records a prediction request
func RecordPrediction(model, status string) {
	PredictionsTotal.WithLabelValues(model, status).Inc()
}

// RecordPredictionDuration records end-to-end prediction duration
func RecordPredictionDuration(model string, duration float64) {
	PredictionDuration.WithLabelValues(model).Observe(duration)
}

// RecordInference records an inference run on a worker
func RecordInference(model, status string) {
	InferencesTotal.WithLabelValues(model, status).Inc()
}

// RecordInferenceDuration records inference duration on a worker
func RecordInferenceDuration(model string, duration float64) {
	InferenceDuration.WithLabelValues(model).Observe(duration)
}
