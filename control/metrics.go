// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors fed by the server from the loop thread.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Close kinds reported by ConnClosed.
const (
	CloseKindClean    = "clean"
	CloseKindAbnormal = "abnormal"
	CloseKindIdle     = "idle"
	CloseKindProtocol = "protocol"
)

// Handshake outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeAborted  = "aborted"
	OutcomeInvalid  = "invalid"
)

// Metrics holds the server collectors.
type Metrics struct {
	connections  prometheus.Gauge
	handshakes   *prometheus.CounterVec
	requests     *prometheus.CounterVec
	received     *prometheus.CounterVec
	sent         *prometheus.CounterVec
	backpressure prometheus.Counter
	closes       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg means
// prometheus.DefaultRegisterer; an empty namespace means "evws".
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "evws"
	}
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open WebSocket connections",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "WebSocket upgrade requests by outcome",
		}, []string{"outcome"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Plain HTTP requests dispatched by method",
		}, []string{"method"}),
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "WebSocket messages delivered to the application",
		}, []string{"format"}),
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "WebSocket messages accepted for transmission",
		}, []string{"format"}),
		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_events_total",
			Help:      "Sends that were queued or dropped because of backpressure",
		}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closes_total",
			Help:      "WebSocket connections closed by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed(kind string) {
	if m != nil {
		m.connections.Dec()
		m.closes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Handshake(outcome string) {
	if m != nil {
		m.handshakes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Request(method string) {
	if m != nil {
		m.requests.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) MessageReceived(format string) {
	if m != nil {
		m.received.WithLabelValues(format).Inc()
	}
}

func (m *Metrics) MessageSent(format string) {
	if m != nil {
		m.sent.WithLabelValues(format).Inc()
	}
}

func (m *Metrics) Backpressure() {
	if m != nil {
		m.backpressure.Inc()
	}
}
