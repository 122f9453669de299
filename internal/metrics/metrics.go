package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_frames_captured_total",
		Help: "Frames read from the capture source",
	})
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_frames_dropped_total",
		Help: "Frames dropped because the consumer was behind",
	})
	RecognitionRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_recognition_runs_total",
		Help: "Frames sent to the recognition engine",
	})
	RecognitionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_recognition_failures_total",
		Help: "Recognition calls that errored (frame skipped)",
	})
	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facewatch_detections_total",
		Help: "Face detections by kind",
	}, []string{"kind"}) // known | unknown
	NotificationsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_notifications_delivered_total",
		Help: "Notifications passed to the sinks",
	})
	NotificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_notifications_suppressed_total",
		Help: "Notifications suppressed by the per-label rate limiter",
	})
	SinkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facewatch_sink_failures_total",
		Help: "Sink deliveries that failed (never retried)",
	}, []string{"sink"})
	EventLogErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_eventlog_errors_total",
		Help: "Event log appends that failed (degraded mode)",
	})
	RetentionDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_retention_deleted_total",
		Help: "Unknown-face images removed by the retention cleaner",
	})
	WindowState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "facewatch_window_state",
		Help: "Trigger window state (0 idle, 1 active, 2 cooling)",
	})
	SourceReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facewatch_source_reconnects_total",
		Help: "Capture source reconnect attempts",
	})
)

func init() {
	prometheus.MustRegister(
		FramesCaptured,
		FramesDropped,
		RecognitionRuns,
		RecognitionFailures,
		DetectionsTotal,
		NotificationsDelivered,
		NotificationsSuppressed,
		SinkFailures,
		EventLogErrors,
		RetentionDeleted,
		WindowState,
		SourceReconnects,
	)
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
