package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture and pipeline counters
	FramesCaptured  atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesPublished atomic.Uint64
	Reconnects      atomic.Uint64

	// Detection counters
	DetectionsDisplayed atomic.Uint64
	DetectionsDropped   atomic.Uint64 // malformed rows

	// Alert counters
	AlertsAttempted  atomic.Uint64
	AlertsSent       atomic.Uint64
	AlertsFailed     atomic.Uint64
	AlertsSuppressed atomic.Uint64
	AlertsDropped    atomic.Uint64 // dispatch queue full

	// Error counters
	ReadErrors      atomic.Uint64
	InferenceErrors atomic.Uint64
	EncodeErrors    atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64
	CycleLatencyMs     atomic.Uint64

	// Viewer tracking
	StreamClients      atomic.Int64
	TotalStreamClients atomic.Uint64
	WebRTCClients      atomic.Int64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("detection_frames_captured_total", "Total frames read from the camera", &m.FramesCaptured)
	m.counter("detection_frames_processed_total", "Total frames run through the detection cycle", &m.FramesProcessed)
	m.counter("detection_frames_published_total", "Total annotated frames published to viewers", &m.FramesPublished)
	m.counter("detection_camera_reconnects_total", "Total camera reconnect attempts", &m.Reconnects)

	m.counter("detection_detections_displayed_total", "Total detections at or above the display threshold", &m.DetectionsDisplayed)
	m.counter("detection_detections_dropped_total", "Total malformed detector rows dropped", &m.DetectionsDropped)

	m.counter("detection_alerts_attempted_total", "Total alert dispatch attempts", &m.AlertsAttempted)
	m.counter("detection_alerts_sent_total", "Total alerts accepted by the backend", &m.AlertsSent)
	m.counter("detection_alerts_failed_total", "Total alerts that failed to dispatch", &m.AlertsFailed)
	m.counter("detection_alerts_suppressed_total", "Total alert-eligible detections held back by cooldown", &m.AlertsSuppressed)
	m.counter("detection_alerts_dropped_total", "Total alerts dropped because the dispatch queue was full", &m.AlertsDropped)

	m.counter("detection_read_errors_total", "Total camera read errors", &m.ReadErrors)
	m.counter("detection_inference_errors_total", "Total detector call failures", &m.InferenceErrors)
	m.counter("detection_encode_errors_total", "Total JPEG encode failures", &m.EncodeErrors)

	m.gauge("detection_inference_latency_ms", "Latest detector call latency in milliseconds",
		func() float64 { return float64(m.InferenceLatencyMs.Load()) })
	m.gauge("detection_cycle_latency_ms", "Latest full pipeline cycle latency in milliseconds",
		func() float64 { return float64(m.CycleLatencyMs.Load()) })

	m.gauge("detection_stream_clients", "Number of active MJPEG viewers",
		func() float64 { return float64(m.StreamClients.Load()) })
	m.counter("detection_stream_clients_total", "Total MJPEG viewers connected", &m.TotalStreamClients)
	m.gauge("detection_webrtc_clients", "Number of active WebRTC viewers",
		func() float64 { return float64(m.WebRTCClients.Load()) })

	m.gauge("detection_recording_active", "Recording active (0=inactive, 1=active)",
		func() float64 { return float64(m.RecordingActive.Load()) })
	m.gauge("detection_recording_bytes", "Bytes written to the current recording",
		func() float64 { return float64(m.RecordingBytes.Load()) })
	m.gauge("detection_recording_frames", "Frames written to the current recording",
		func() float64 { return float64(m.RecordingFrames.Load()) })
}

// UpdateInferenceLatency records the latest detector call duration
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateCycleLatency records the latest full cycle duration
func (m *Metrics) UpdateCycleLatency(d time.Duration) {
	m.CycleLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateRecording mirrors recorder state into the gauges.
func (m *Metrics) UpdateRecording(active bool, bytes, frames uint64) {
	if active {
		m.RecordingActive.Store(1)
	} else {
		m.RecordingActive.Store(0)
	}
	m.RecordingBytes.Store(bytes)
	m.RecordingFrames.Store(frames)
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
