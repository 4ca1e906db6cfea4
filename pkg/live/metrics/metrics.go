// Package metrics exposes Prometheus metrics for live voice sessions.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice client.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	CaptureWindowsTotal prometheus.Counter
	FramesTotal         *prometheus.CounterVec
	AudioBytesTotal     *prometheus.CounterVec

	// Playback metrics
	AudioChunksTotal      *prometheus.CounterVec
	DecodeDuration        prometheus.Histogram
	PlaybackBuffersActive prometheus.Gauge
	InterruptionsTotal    prometheus.Counter

	// Session metrics
	StateTransitionsTotal *prometheus.CounterVec
	SessionDuration       *prometheus.HistogramVec
	TranscriptFinalsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_voice"
	}

	registry := prometheus.NewRegistry()

	captureWindowsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_windows_total",
			Help:      "Total number of microphone windows processed",
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Outbound audio frames by result",
		},
		[]string{"result"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes exchanged with the service",
		},
		[]string{"direction"},
	)

	audioChunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Inbound audio chunks by playback result",
		},
		[]string{"result"},
	)

	decodeDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_decode_duration_seconds",
			Help:      "Audio chunk decode duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	playbackBuffersActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_buffers_active",
			Help:      "Number of scheduled or playing audio buffers",
		},
	)

	interruptionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of server interruptions",
		},
	)

	stateTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state",
		},
		[]string{"state"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Connected session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"end_state"},
	)

	transcriptFinalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_finals_total",
			Help:      "Finalized transcript turns by speaker",
		},
		[]string{"speaker"},
	)

	registry.MustRegister(
		captureWindowsTotal,
		framesTotal,
		audioBytesTotal,
		audioChunksTotal,
		decodeDuration,
		playbackBuffersActive,
		interruptionsTotal,
		stateTransitionsTotal,
		sessionDuration,
		transcriptFinalsTotal,
	)

	return &Metrics{
		registry:              registry,
		CaptureWindowsTotal:   captureWindowsTotal,
		FramesTotal:           framesTotal,
		AudioBytesTotal:       audioBytesTotal,
		AudioChunksTotal:      audioChunksTotal,
		DecodeDuration:        decodeDuration,
		PlaybackBuffersActive: playbackBuffersActive,
		InterruptionsTotal:    interruptionsTotal,
		StateTransitionsTotal: stateTransitionsTotal,
		SessionDuration:       sessionDuration,
		TranscriptFinalsTotal: transcriptFinalsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordCaptureWindow() {
	if m == nil {
		return
	}
	m.CaptureWindowsTotal.Inc()
}

// RecordFrame records an outbound frame result: "sent", "failed" or "dropped".
func (m *Metrics) RecordFrame(result string, bytes int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(result).Inc()
	if result == "sent" && bytes > 0 {
		m.AudioBytesTotal.WithLabelValues("out").Add(float64(bytes))
	}
}

// RecordAudioChunk records an inbound chunk result: "scheduled",
// "decode_error" or "stale".
func (m *Metrics) RecordAudioChunk(result string, bytes int) {
	if m == nil {
		return
	}
	m.AudioChunksTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues("in").Add(float64(bytes))
	}
}

func (m *Metrics) ObserveDecode(d time.Duration) {
	if m == nil {
		return
	}
	m.DecodeDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActiveBuffers(n int) {
	if m == nil {
		return
	}
	m.PlaybackBuffersActive.Set(float64(n))
}

func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.InterruptionsTotal.Inc()
}

func (m *Metrics) RecordStateTransition(state string) {
	if m == nil {
		return
	}
	m.StateTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordSessionEnd records how long a connected session lasted.
func (m *Metrics) RecordSessionEnd(endState string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionDuration.WithLabelValues(endState).Observe(duration.Seconds())
}

func (m *Metrics) RecordTranscriptFinal(speaker string) {
	if m == nil {
		return
	}
	m.TranscriptFinalsTotal.WithLabelValues(speaker).Inc()
}
