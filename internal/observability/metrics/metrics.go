// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_speech_turn_client"

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsEnded    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	ConnectErrors    *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	SessionStateSeen *prometheus.CounterVec

	// Audio metrics
	AudioBytesSent    prometheus.Counter
	AudioFramesSent   prometheus.Counter
	AudioFramesResent prometheus.Counter
	AudioFramesEvict  prometheus.Counter
	QueueOverflows    prometheus.Counter
	FramesDiscarded   prometheus.Counter
	AckLatency        prometheus.Histogram

	// Protocol metrics
	ServerEvents *prometheus.CounterVec
	ServerErrors *prometheus.CounterVec
	DecodeErrors *prometheus.CounterVec

	// Turn metrics
	TurnTransitions *prometheus.CounterVec
	TurnsEnded      *prometheus.CounterVec
	TurnDuration    prometheus.Histogram

	// Dispatch metrics
	EventsDispatched *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of streaming sessions opened",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open streaming sessions",
		}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended, by outcome",
		}, []string{"outcome"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of streaming sessions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		ConnectErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Total number of failed connection attempts",
		}, []string{"kind"}),
		ReconnectsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts",
		}, []string{"result"}),
		SessionStateSeen: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_changes_total",
			Help:      "Total number of session state changes",
		}, []string{"state"}),

		// Audio metrics
		AudioBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total audio bytes written to the service",
		}),
		AudioFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Total audio frames written to the service",
		}),
		AudioFramesResent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_resent_total",
			Help:      "Total unacknowledged frames resent after a reconnect",
		}),
		AudioFramesEvict: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_evicted_total",
			Help:      "Unacknowledged frames evicted from a full in-flight window",
		}),
		QueueOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflows_total",
			Help:      "Total frames rejected because the frame queue stayed full",
		}),
		FramesDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Frames discarded when a session failed",
		}),
		AckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_ack_latency_seconds",
			Help:      "Time from frame capture to server acknowledgement",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),

		// Protocol metrics
		ServerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_events_total",
			Help:      "Total decoded server messages, by kind",
		}, []string{"kind"}),
		ServerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_errors_total",
			Help:      "Total Error messages reported by the service",
		}, []string{"code"}),
		DecodeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total server messages that failed to decode",
		}, []string{"code"}),

		// Turn metrics
		TurnTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_transitions_total",
			Help:      "Total turn state transitions",
		}, []string{"from", "to"}),
		TurnsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_ended_total",
			Help:      "Total committed turns, by end reason",
		}, []string{"reason"}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of committed turns in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		// Dispatch metrics
		EventsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total events delivered to subscribers",
		}, []string{"kind"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total events dropped because a subscriber buffer was full",
		}, []string{"kind"}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a session reaching Open.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending with the given outcome.
func (m *Metrics) RecordSessionEnd(outcome string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionsEnded.WithLabelValues(outcome).Inc()
}

// RecordConnectError records a failed connect, labelled by error kind.
func (m *Metrics) RecordConnectError(kind string) {
	m.ConnectErrors.WithLabelValues(kind).Inc()
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect(success bool) {
	if success {
		m.ReconnectsTotal.WithLabelValues("success").Inc()
		return
	}
	m.ReconnectsTotal.WithLabelValues("failure").Inc()
}

// RecordSessionState records a session state change.
func (m *Metrics) RecordSessionState(state string) {
	m.SessionStateSeen.WithLabelValues(state).Inc()
}

// RecordFrameSent records one audio frame written to the service.
func (m *Metrics) RecordFrameSent(bytes int) {
	m.AudioBytesSent.Add(float64(bytes))
	m.AudioFramesSent.Inc()
}

// RecordFramesResent records frames replayed after a reconnect.
func (m *Metrics) RecordFramesResent(n int) {
	m.AudioFramesResent.Add(float64(n))
}

// RecordFrameEvicted records an unacknowledged frame leaving the in-flight window.
func (m *Metrics) RecordFrameEvicted() {
	m.AudioFramesEvict.Inc()
}

// RecordQueueOverflow records a frame rejected with backpressure.
func (m *Metrics) RecordQueueOverflow() {
	m.QueueOverflows.Inc()
}

// RecordFramesDiscarded records frames dropped on a fatal failure.
func (m *Metrics) RecordFramesDiscarded(n int) {
	m.FramesDiscarded.Add(float64(n))
}

// RecordAckLatency records the capture-to-ack delay of a frame.
func (m *Metrics) RecordAckLatency(seconds float64) {
	m.AckLatency.Observe(seconds)
}

// RecordServerEvent records a decoded server message.
func (m *Metrics) RecordServerEvent(kind string) {
	m.ServerEvents.WithLabelValues(kind).Inc()
}

// RecordServerError records an Error message from the service.
func (m *Metrics) RecordServerError(code string) {
	m.ServerErrors.WithLabelValues(code).Inc()
}

// RecordDecodeError records a message that failed to decode.
func (m *Metrics) RecordDecodeError(code string) {
	m.DecodeErrors.WithLabelValues(code).Inc()
}

// RecordTurnTransition records a turn state transition.
func (m *Metrics) RecordTurnTransition(from, to string) {
	m.TurnTransitions.WithLabelValues(from, to).Inc()
}

// RecordTurnEnded records a committed turn.
func (m *Metrics) RecordTurnEnded(reason string, durationSeconds float64) {
	m.TurnsEnded.WithLabelValues(reason).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordEventDispatched records an event delivered to a subscriber.
func (m *Metrics) RecordEventDispatched(kind string) {
	m.EventsDispatched.WithLabelValues(kind).Inc()
}

// RecordEventDropped records an event dropped for a slow subscriber.
func (m *Metrics) RecordEventDropped(kind string) {
	m.EventsDropped.WithLabelValues(kind).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
