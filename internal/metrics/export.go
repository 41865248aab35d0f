// Package metrics exposes Prometheus instruments for the trim agent.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_trim_exports_total",
		Help: "Total number of trim exports by terminal outcome and failure reason",
	}, []string{"outcome", "reason"})

	exportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heimdex_trim_export_duration_seconds",
		Help:    "Wall time from BeginExport to the terminal state",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"outcome"})

	exportBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heimdex_trim_export_output_bytes",
		Help:    "Size of completed export outputs",
		Buckets: prometheus.ExponentialBuckets(64<<10, 4, 8),
	})

	framesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdex_trim_frames_encoded_total",
		Help: "Video frames written into completed exports",
	})

	exportActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdex_trim_export_active",
		Help: "1 while an export session is in a non-terminal state",
	})

	notificationDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_trim_notification_drops_total",
		Help: "Notifications dropped for slow subscribers, by kind",
	}, []string{"kind"})

	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdex_trim_archive_failures_total",
		Help: "Completed outputs that could not be written to the export directory",
	})
)

// ExportStarted marks a session as active.
func ExportStarted() {
	exportActive.Set(1)
}

// ExportFinished records a terminal outcome. bytes and frames are only
// observed for completed exports.
func ExportFinished(outcome, reason string, elapsed time.Duration, bytes, frames int) {
	outcome = normalizeOutcome(outcome)
	if outcome != "failed" {
		reason = "none"
	} else {
		reason = normalizeReason(reason)
	}

	exportActive.Set(0)
	exportsTotal.WithLabelValues(outcome, reason).Inc()
	exportDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome == "completed" {
		exportBytes.Observe(float64(bytes))
		framesEncoded.Add(float64(frames))
	}
}

// IncNotificationDrop records a progress notification a subscriber missed.
func IncNotificationDrop(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	notificationDrops.WithLabelValues(kind).Inc()
}

// IncArchiveFailure records an output that could not be persisted.
func IncArchiveFailure() {
	archiveFailures.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func normalizeOutcome(outcome string) string {
	switch o := strings.ToLower(strings.TrimSpace(outcome)); o {
	case "completed", "failed", "cancelled":
		return o
	default:
		return "unknown"
	}
}

func normalizeReason(reason string) string {
	switch r := strings.ToLower(strings.TrimSpace(reason)); r {
	case "invalid_range", "seek_failed", "unsupported_format", "encoding_failed", "source_state_conflict":
		return r
	default:
		return "unknown"
	}
}
