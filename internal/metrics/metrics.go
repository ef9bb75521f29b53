package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality: stream names and queue names come from
// operator config, labels come from detector output (bounded per detector).
// No query_id/session_id/camera_id labels.

var (
	// QueriesTotal counts image queries by terminal status.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_queries_total",
			Help: "Total image queries by final status",
		},
		[]string{"status"},
	)

	// InferenceTotal counts inference runs by submission source and label.
	InferenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_inference_total",
			Help: "Total inference runs by source and predicted label",
		},
		[]string{"source", "label"},
	)

	// InferenceLatency tracks model invocation latency.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "io_inference_latency_ms",
			Help:    "Inference latency in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"source"},
	)

	// IngestFramesTotal counts stream frames by outcome.
	IngestFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_ingest_frames_total",
			Help: "Total ingested frames by stream and outcome",
		},
		[]string{"stream", "result"},
	)

	// IngestReconnectsTotal counts stream reconnect attempts.
	IngestReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_ingest_reconnects_total",
			Help: "Total stream reconnects",
		},
		[]string{"stream"},
	)

	// AlertsFiredTotal counts detection alerts by severity.
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_alerts_fired_total",
			Help: "Total detection alerts fired by severity",
		},
		[]string{"severity"},
	)

	// AlertDeliveriesTotal counts delivery attempts per channel.
	AlertDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_alert_deliveries_total",
			Help: "Total alert delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	// QueueMessagesTotal counts fallback-queue messages by outcome.
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_queue_messages_total",
			Help: "Total queue messages by queue and outcome",
		},
		[]string{"queue", "result"},
	)

	// DemoFramesTotal counts demo session frames by outcome.
	DemoFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_demo_frames_total",
			Help: "Total demo session frames by outcome",
		},
		[]string{"result"},
	)

	// InspectionCyclesTotal counts camera fleet inspection cycles.
	InspectionCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_inspection_cycles_total",
			Help: "Total camera inspection cycles by result",
		},
		[]string{"result"},
	)

	// WorkerUp is the inference worker health gauge.
	WorkerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "io_worker_up",
			Help: "Inference worker health status (1=up, 0=down)",
		},
	)

	// HTTPRequestsTotal counts API requests by method, chi route pattern
	// and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_http_requests_total",
			Help: "Total HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API request latency per route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "io_http_request_duration_ms",
			Help:    "HTTP request duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"method", "route"},
	)
)

// Helper functions for metrics recording

func RecordQuery(status string) {
	QueriesTotal.WithLabelValues(status).Inc()
}

func RecordInference(source, label string) {
	InferenceTotal.WithLabelValues(source, label).Inc()
}

func RecordInferenceLatency(source string, latencyMs float64) {
	InferenceLatency.WithLabelValues(source).Observe(latencyMs)
}

func RecordIngestFrame(stream, result string) {
	IngestFramesTotal.WithLabelValues(stream, result).Inc()
}

func RecordIngestReconnect(stream string) {
	IngestReconnectsTotal.WithLabelValues(stream).Inc()
}

func RecordAlertFired(severity string) {
	AlertsFiredTotal.WithLabelValues(severity).Inc()
}

func RecordAlertDelivery(channel string, ok bool) {
	result := "success"
	if !ok {
		result = "fail"
	}
	AlertDeliveriesTotal.WithLabelValues(channel, result).Inc()
}

func RecordQueueMessage(queue, result string) {
	QueueMessagesTotal.WithLabelValues(queue, result).Inc()
}

func RecordDemoFrame(result string) {
	DemoFramesTotal.WithLabelValues(result).Inc()
}

func RecordInspectionCycle(result string) {
	InspectionCyclesTotal.WithLabelValues(result).Inc()
}

func SetWorkerUp(up bool) {
	if up {
		WorkerUp.Set(1)
	} else {
		WorkerUp.Set(0)
	}
}

func RecordHTTPRequest(method, route string, status int, latencyMs float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(latencyMs)
}
