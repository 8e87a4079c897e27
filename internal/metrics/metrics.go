package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Capture / detection loop
	FramesCaptured  atomic.Uint64
	CaptureMisses   atomic.Uint64
	FramesInferred  atomic.Uint64
	InferenceErrors atomic.Uint64
	TickPanics      atomic.Uint64

	// Segmentation
	SegmentsRotated atomic.Uint64
	SegmentsSkipped atomic.Uint64 // Empty segments not handed to the encoder
	ClockSteps      atomic.Uint64 // Wall-clock jumps that re-anchored a segment buffer

	// Evidence pipeline
	EncodesOK     atomic.Uint64
	EncodesFailed atomic.Uint64
	EncodesReused atomic.Uint64 // Artifact already on disk, encoder not invoked
	UploadsOK     atomic.Uint64
	UploadsFailed atomic.Uint64
	EventsSent    atomic.Uint64
	EventsFailed  atomic.Uint64
	LedgerErrors  atomic.Uint64
	AlertsPlayed  atomic.Uint64

	// Queue depth (current)
	VideoQueueDepth atomic.Uint64
	EventQueueDepth atomic.Uint64

	violations *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashcam_violations_fired_total",
				Help: "Violations fired after smoothing and cooldown",
			},
			[]string{"camera", "class"},
		),
	}

	m.registerPrometheusMetrics()

	return m
}

type counterDef struct {
	name string
	help string
	src  *atomic.Uint64
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.violations)

	defs := []counterDef{
		{"dashcam_frames_captured_total", "Total frames read from capture sources", &m.FramesCaptured},
		{"dashcam_capture_misses_total", "Capture ticks that produced no frame", &m.CaptureMisses},
		{"dashcam_frames_inferred_total", "Frames passed to a detection model", &m.FramesInferred},
		{"dashcam_inference_errors_total", "Detection adapter failures (treated as zero detections)", &m.InferenceErrors},
		{"dashcam_tick_panics_total", "Recovered panics inside the detection loop", &m.TickPanics},
		{"dashcam_segments_rotated_total", "Segments closed at a wall-clock boundary", &m.SegmentsRotated},
		{"dashcam_segments_skipped_total", "Empty segments not handed to the encoder", &m.SegmentsSkipped},
		{"dashcam_clock_steps_total", "Wall-clock jumps that re-anchored a segment buffer", &m.ClockSteps},
		{"dashcam_encodes_ok_total", "Evidence artifacts encoded", &m.EncodesOK},
		{"dashcam_encodes_failed_total", "Encoder failures (task aborted)", &m.EncodesFailed},
		{"dashcam_encodes_reused_total", "Artifacts found on disk, encoder skipped", &m.EncodesReused},
		{"dashcam_uploads_ok_total", "Artifacts delivered to the remote sink", &m.UploadsOK},
		{"dashcam_uploads_failed_total", "Upload attempts that failed and were requeued", &m.UploadsFailed},
		{"dashcam_events_sent_total", "Driver events delivered", &m.EventsSent},
		{"dashcam_events_failed_total", "Driver event attempts that failed and were requeued", &m.EventsFailed},
		{"dashcam_ledger_errors_total", "Delivery ledger write failures", &m.LedgerErrors},
		{"dashcam_alerts_played_total", "Alert sounds triggered", &m.AlertsPlayed},
	}
	for _, d := range defs {
		src := d.src
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: d.name, Help: d.help},
			func() float64 { return float64(src.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "dashcam_video_queue_depth",
			Help: "Video tasks waiting for the video worker",
		},
		func() float64 { return float64(m.VideoQueueDepth.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "dashcam_event_queue_depth",
			Help: "Event tasks waiting for the event worker",
		},
		func() float64 { return float64(m.EventQueueDepth.Load()) },
	))
}

// ObserveViolation counts one fired violation
func (m *Metrics) ObserveViolation(camera, class string) {
	m.violations.WithLabelValues(camera, class).Inc()
}

// Violations exposes the per-class counter (used by tests and the health endpoint)
func (m *Metrics) Violations() *prometheus.CounterVec {
	return m.violations
}

// Registry returns the private Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
