package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_sessions_open",
		Help: "Documents with at least one attached connection",
	})

	attachedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_connections_attached",
		Help: "Connections attached to a document session",
	})

	updateFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_update_frames_total",
		Help: "Update frames received from connections, by result",
	}, []string{"result"})

	maskPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_mask_passes_total",
		Help: "Debounced mask passes, by whether they changed the document",
	}, []string{"outcome"})

	redactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_redactions_total",
		Help: "Matches redacted, by rule",
	}, []string{"rule"})

	persistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_persistence_failures_total",
		Help: "Failed store calls, by operation",
	}, []string{"op"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsync_save_duration_seconds",
		Help:    "Time spent writing a snapshot to the document store",
		Buckets: prometheus.DefBuckets,
	})
)

// CountRedaction records one redacted match. It is meant to be installed
// as the masking engine's redact hook.
func CountRedaction(rule string) {
	redactions.WithLabelValues(rule).Inc()
}
