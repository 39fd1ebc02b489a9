package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Client traffic
	MediaChunks   *prometheus.CounterVec
	InvalidFrames prometheus.Counter

	// Model traffic
	ModelEvents *prometheus.CounterVec
	ToolCalls   *prometheus.CounterVec

	// Transcription metrics
	Transcriptions        *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram

	// Index metrics
	IndexRebuilds        prometheus.Counter
	IndexChunks          prometheus.Gauge
	IndexRebuildDuration prometheus.Histogram
}

// NewMetrics creates all metrics on a fresh registry, labelled with the relay mode
func NewMetrics(mode string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"mode": mode}, reg))
	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of connected client sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Total number of client sessions accepted",
		}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_rejected_total",
			Help: "Total number of connections refused at the session limit",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of client sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		MediaChunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_media_chunks_total",
			Help: "Total number of media chunks received from clients",
		}, []string{"mime_type"}),
		InvalidFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_invalid_frames_total",
			Help: "Total number of client frames that could not be decoded",
		}),

		ModelEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_model_events_total",
			Help: "Total number of events received from the model",
		}, []string{"kind"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
			Help: "Total number of tool calls executed",
		}, []string{"name", "status"}),

		Transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transcriptions_total",
			Help: "Total number of model turns transcribed",
		}, []string{"status"}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_transcription_duration_seconds",
			Help:    "Time spent transcoding and transcribing a turn",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		IndexRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_index_rebuilds_total",
			Help: "Total number of document index builds",
		}),
		IndexChunks: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_index_chunks",
			Help: "Number of chunks in the current document index",
		}),
		IndexRebuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_index_rebuild_duration_seconds",
			Help:    "Time spent building the document index",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),
	}
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionStarted records an accepted session
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records the end of a session that lasted d
func (m *Metrics) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

// SessionRejected records a connection refused at the session limit
func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// RecordMediaChunk counts one client media chunk
func (m *Metrics) RecordMediaChunk(mimeType string) {
	if m == nil {
		return
	}
	m.MediaChunks.WithLabelValues(mimeType).Inc()
}

// RecordInvalidFrame counts one undecodable client frame
func (m *Metrics) RecordInvalidFrame() {
	if m == nil {
		return
	}
	m.InvalidFrames.Inc()
}

// RecordModelEvent counts one upstream event
func (m *Metrics) RecordModelEvent(kind string) {
	if m == nil {
		return
	}
	m.ModelEvents.WithLabelValues(kind).Inc()
}

// RecordToolCall counts one executed tool call
func (m *Metrics) RecordToolCall(name string, ok bool) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(name, status(ok)).Inc()
}

// RecordTranscription records one transcribed turn. A sentinel result counts as a failure.
func (m *Metrics) RecordTranscription(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.Transcriptions.WithLabelValues(status(ok)).Inc()
	m.TranscriptionDuration.Observe(d.Seconds())
}

// RecordIndexRebuild records a finished index build
func (m *Metrics) RecordIndexRebuild(chunks int, d time.Duration) {
	if m == nil {
		return
	}
	m.IndexRebuilds.Inc()
	m.IndexChunks.Set(float64(chunks))
	m.IndexRebuildDuration.Observe(d.Seconds())
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
