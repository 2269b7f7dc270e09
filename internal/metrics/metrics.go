// Package metrics declares the Prometheus collectors shared by the pipeline
// services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulk_dispatch"

var (
	ManifestsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifests_ingested_total",
			Help:      "Manifests processed by the ingest stage.",
		},
		[]string{"format", "result"},
	)

	ManifestRowsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_rows_rejected_total",
			Help:      "Manifest rows rejected by the parser.",
		},
		[]string{"format"},
	)

	WindowsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_created_total",
			Help:      "Windows persisted to the holding bucket.",
		},
	)

	WindowsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_released_total",
			Help:      "Window release attempts by result.",
		},
		[]string{"result"},
	)

	ItemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_enqueued_total",
			Help:      "Dispatch records sent to the delay queue.",
		},
		[]string{"result"},
	)

	APICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Provider API calls by HTTP status class.",
		},
		[]string{"status_class"},
	)

	APICallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_call_duration_seconds",
			Help:      "Latency of provider API calls.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	EnvelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_published_total",
			Help:      "Response envelopes published to the notification bus.",
		},
		[]string{"result"},
	)

	EnvelopesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_classified_total",
			Help:      "Classifier side effects by sink and result.",
		},
		[]string{"sink", "result"},
	)

	BusRecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_records_skipped_total",
			Help:      "Notification bus records given up on after every handler attempt failed.",
		},
		[]string{"topic"},
	)

	EscalationsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_handled_total",
			Help:      "Escalation events handled by rule.",
		},
		[]string{"rule"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Delay queue messages by state.",
		},
		[]string{"state"},
	)
)

// StatusClass buckets an HTTP status for the api_calls_total label.
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
