package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/roomchat/pkg/models"
)

// Metrics collects client-side counters for the realtime channel, the
// timeline and the HTTP API.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
type Metrics struct {
	// ChannelState holds the numeric models.ChannelState of the realtime channel.
	ChannelState prometheus.Gauge

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts prometheus.Counter

	// MessageCounter tracks messages by direction (outbound|inbound|history).
	MessageCounter *prometheus.CounterVec

	// MalformedPayloads counts inbound frames that could not be decoded.
	MalformedPayloads prometheus.Counter

	// ReconcileOutcomes counts how inbound messages were merged.
	// Labels: outcome (matched|appended|filtered|duplicate|failed)
	ReconcileOutcomes *prometheus.CounterVec

	// HTTPRequestDuration measures API request latency.
	// Labels: operation, status
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the client metrics and registers them with reg.
// A nil reg yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChannelState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_channel_state",
			Help: "Current realtime channel state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=failed)",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_messages_total",
				Help: "Total number of chat messages by direction",
			},
			[]string{"direction"},
		),
		MalformedPayloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_malformed_payloads_total",
			Help: "Total number of inbound payloads dropped as malformed",
		}),
		ReconcileOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_reconcile_outcomes_total",
				Help: "Total number of timeline merges by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomchat_http_request_duration_seconds",
				Help:    "Duration of chat API requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation", "status"},
		),
	}
}

// SetChannelState records the current channel state.
func (m *Metrics) SetChannelState(state models.ChannelState) {
	if m == nil {
		return
	}
	m.ChannelState.Set(float64(state))
}

// ReconnectScheduled increments the reconnect counter.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// Message counts a message flowing in the given direction.
func (m *Metrics) Message(direction string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(direction).Inc()
}

// Malformed counts a dropped inbound payload.
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.MalformedPayloads.Inc()
}

// Reconciled counts a timeline merge outcome.
func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records the latency of one API call.
func (m *Metrics) ObserveHTTP(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(operation, status).Observe(elapsed.Seconds())
}
