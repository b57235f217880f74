// Package metrics exposes worldlink transport counters to Prometheus.
//
// Every method is safe to call on a nil *Metrics, so components record
// unconditionally and metrics stay optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "worldlink"

// Metrics holds the transport collectors.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	PacketsReceived  prometheus.Counter
	PacketsSent      prometheus.Counter
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	DecodeErrors     *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	Retransmits      prometheus.Counter
	AcksReceived     prometheus.Counter
	Duplicates       prometheus.Counter
	FragmentsEvicted prometheus.Counter

	MessagesDispatched *prometheus.CounterVec
	HandlerErrors      *prometheus.CounterVec
	RoundTrip          prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions that are not closed",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions created",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed by reason",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed sessions",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Datagrams read from the network",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Datagrams written to the network, retransmissions included",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the network",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the network",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams discarded by the codec, by kind",
		}, []string{"kind"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Decoded packets discarded before delivery, by reason",
		}, []string{"reason"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Reliable packets retransmitted",
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_received_total",
			Help:      "Cumulative acknowledgments received",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Reliable packets received more than once",
		}),
		FragmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_groups_evicted_total",
			Help:      "Incomplete fragment groups evicted or expired",
		}),
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Messages handed to opcode handlers, by outcome",
		}, []string{"outcome"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler failures by opcode",
		}, []string{"opcode"}),
		RoundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_seconds",
			Help:      "Smoothed round-trip time observed at session close",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns every collector for custom registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ActiveSessions,
		m.SessionsOpened,
		m.SessionsClosed,
		m.SessionDuration,
		m.PacketsReceived,
		m.PacketsSent,
		m.BytesReceived,
		m.BytesSent,
		m.DecodeErrors,
		m.PacketsDropped,
		m.Retransmits,
		m.AcksReceived,
		m.Duplicates,
		m.FragmentsEvicted,
		m.MessagesDispatched,
		m.HandlerErrors,
		m.RoundTrip,
	}
}

// RecordSessionOpened counts a new session.
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed counts a closed session and its lifetime.
func (m *Metrics) RecordSessionClosed(reason string, lifetime, rtt time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
	if rtt > 0 {
		m.RoundTrip.Observe(rtt.Seconds())
	}
}

// RecordReceived counts one inbound datagram.
func (m *Metrics) RecordReceived(n int) {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

// RecordSent counts one outbound datagram.
func (m *Metrics) RecordSent(n int) {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(n))
}

// RecordDecodeError counts a datagram the codec rejected.
func (m *Metrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// RecordDrop counts a decoded packet discarded for reason.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordRetransmits counts n retransmitted packets.
func (m *Metrics) RecordRetransmits(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Retransmits.Add(float64(n))
}

// RecordAck counts a received acknowledgment.
func (m *Metrics) RecordAck() {
	if m == nil {
		return
	}
	m.AcksReceived.Inc()
}

// RecordDuplicate counts a duplicate reliable arrival.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// RecordFragmentsEvicted counts dropped incomplete fragment groups.
func (m *Metrics) RecordFragmentsEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.FragmentsEvicted.Add(float64(n))
}

// RecordDispatch counts a dispatched message by outcome.
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.MessagesDispatched.WithLabelValues(outcome).Inc()
}

// RecordHandlerError counts a failed handler.
func (m *Metrics) RecordHandlerError(opcode string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(opcode).Inc()
}
