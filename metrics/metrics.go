// Package metrics exposes Prometheus instrumentation for the live client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicelink"

// Metrics contains all Prometheus metrics for the live client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	ConnectionState prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsFailed  prometheus.Counter
	SetupLatency    prometheus.Histogram

	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	SendErrors     prometheus.Counter
	ServerErrors   prometheus.Counter

	// Audio metrics
	CaptureChunks        prometheus.Counter
	CaptureChunksDropped prometheus.Counter
	PlaybackBytes        prometheus.Counter
	PlaybackDroppedBytes prometheus.Counter

	// Conversation metrics
	TurnsCompleted prometheus.Counter
	Interrupts     prometheus.Counter
	ToolCalls      *prometheus.CounterVec
}

// New creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current live connection state (0 disconnected, 1 connecting, 2 awaiting setup ack, 3 active, 4 disconnecting, 5 faulted)",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of live sessions that reached the active state",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of live sessions that ended in a fault",
		}),
		SetupLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "setup_latency_seconds",
			Help:      "Time from dialing to the setup acknowledgement",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		}),

		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the live connection",
		}, []string{"kind"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames decoded from the live connection",
		}, []string{"kind"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of incoming messages that could not be decoded",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of failed frame writes",
		}),
		ServerErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_errors_total",
			Help:      "Total number of error frames reported by the server",
		}),

		CaptureChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "Total number of microphone chunks captured",
		}),
		CaptureChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_dropped_total",
			Help:      "Total number of microphone chunks dropped because the send queue was full",
		}),
		PlaybackBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_bytes_total",
			Help:      "Total number of audio bytes queued for playback",
		}),
		PlaybackDroppedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_dropped_bytes_total",
			Help:      "Total number of queued playback bytes discarded on overflow",
		}),

		TurnsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Total number of model turns completed",
		}),
		Interrupts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Total number of interrupts, local or server initiated",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls requested by the model",
		}, []string{"name"}),
	}
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) SessionStarted(setupSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SetupLatency.Observe(setupSeconds)
}

func (m *Metrics) SessionFailed() {
	if m == nil {
		return
	}
	m.SessionsFailed.Inc()
}

func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

func (m *Metrics) ServerError() {
	if m == nil {
		return
	}
	m.ServerErrors.Inc()
}

func (m *Metrics) CaptureChunk() {
	if m == nil {
		return
	}
	m.CaptureChunks.Inc()
}

func (m *Metrics) CaptureChunkDropped() {
	if m == nil {
		return
	}
	m.CaptureChunksDropped.Inc()
}

func (m *Metrics) PlaybackQueued(bytes int) {
	if m == nil {
		return
	}
	m.PlaybackBytes.Add(float64(bytes))
}

func (m *Metrics) PlaybackDropped(bytes int) {
	if m == nil {
		return
	}
	m.PlaybackDroppedBytes.Add(float64(bytes))
}

func (m *Metrics) TurnCompleted() {
	if m == nil {
		return
	}
	m.TurnsCompleted.Inc()
}

func (m *Metrics) Interrupted() {
	if m == nil {
		return
	}
	m.Interrupts.Inc()
}

func (m *Metrics) ToolCall(name string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(name).Inc()
}
