// Package metrics exposes prometheus collectors for connection, request,
// outbox and sync activity. A nil *Metrics discards every observation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codefionn/pilink/internal/outbox"
	"github.com/codefionn/pilink/internal/syncer"
	"github.com/codefionn/pilink/internal/transport"
)

var connectionStates = []transport.State{
	transport.StateDisconnected,
	transport.StateConnecting,
	transport.StateConnected,
	transport.StateReconnecting,
}

var outboxStatuses = []outbox.Status{outbox.StatusPending, outbox.StatusSending, outbox.StatusFailed}

// Metrics holds the registered collectors.
type Metrics struct {
	connectionState    *prometheus.GaugeVec
	reconnectAttempts  prometheus.Counter
	connectionFailures prometheus.Counter
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	framesDropped      *prometheus.CounterVec
	outboxMessages     *prometheus.GaugeVec
	syncMessages       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pilink_connection_state",
				Help: "Current connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilink_reconnect_attempts_total",
			Help: "Number of scheduled reconnection attempts",
		}),
		connectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilink_connection_failures_total",
			Help: "Number of times reconnection gave up",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilink_requests_total",
				Help: "Number of commands by outcome",
			},
			[]string{"command", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilink_request_duration_seconds",
				Help:    "Command round trip time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilink_frames_dropped_total",
				Help: "Inbound frames that were discarded",
			},
			[]string{"reason"},
		),
		outboxMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pilink_outbox_messages",
				Help: "Queued messages by status",
			},
			[]string{"status"},
		),
		syncMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilink_sync_messages_total",
				Help: "Messages processed by sync passes",
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionState,
			m.reconnectAttempts,
			m.connectionFailures,
			m.requests,
			m.requestDuration,
			m.framesDropped,
			m.outboxMessages,
			m.syncMessages,
		)
	}
	m.SetConnectionState(transport.StateDisconnected)
	return m
}

// SetConnectionState marks state as the active one.
func (m *Metrics) SetConnectionState(state transport.State) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

// ObserveTransport records a transport lifecycle event. state is the
// transport state after the event.
func (m *Metrics) ObserveTransport(ev transport.Event, state transport.State) {
	if m == nil {
		return
	}
	switch ev.(type) {
	case transport.ReconnectingEvent:
		m.reconnectAttempts.Inc()
	case transport.FailedEvent:
		m.connectionFailures.Inc()
	case transport.MessageEvent:
		return
	}
	m.SetConnectionState(state)
}

// RequestFinished implements rpcclient.Observer.
func (m *Metrics) RequestFinished(command, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command, outcome).Inc()
	m.requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// FrameDropped implements rpcclient.Observer.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ObserveOutbox sets the outbox gauges from the full message list.
func (m *Metrics) ObserveOutbox(msgs []outbox.QueuedMessage) {
	if m == nil {
		return
	}
	counts := make(map[outbox.Status]int, len(outboxStatuses))
	for _, msg := range msgs {
		counts[msg.Status]++
	}
	for _, s := range outboxStatuses {
		m.outboxMessages.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ObserveSync records sync pass outcomes.
func (m *Metrics) ObserveSync(ev syncer.Event) {
	if m == nil {
		return
	}
	switch e := ev.(type) {
	case syncer.Progress:
		m.syncMessages.WithLabelValues("sent").Inc()
	case syncer.Error:
		if e.WillRetry {
			m.syncMessages.WithLabelValues("retry").Inc()
		} else {
			m.syncMessages.WithLabelValues("failed").Inc()
		}
	}
}
