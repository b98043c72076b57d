// Package metrics holds the prometheus collectors of the timing server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modkit"

// Run outcomes
const (
	OutcomeVerified = "verified"
	OutcomeReview   = "review"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

// Metrics groups every collector
type Metrics struct {
	sessionsActive  prometheus.Gauge
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	runsSubmitted   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected game clients.",
		}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames dispatched, by opcode.",
		}, []string{"opcode"}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames queued, by opcode.",
		}, []string{"opcode"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before dispatch, by reason.",
		}, []string{"reason"}),
		runsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Finished runs handed to the time store, by outcome.",
		}, []string{"outcome"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) FrameReceived(opcode string) {
	if m != nil {
		m.framesReceived.WithLabelValues(opcode).Inc()
	}
}

func (m *Metrics) FrameSent(opcode string) {
	if m != nil {
		m.framesSent.WithLabelValues(opcode).Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RunSubmitted(outcome string) {
	if m != nil {
		m.runsSubmitted.WithLabelValues(outcome).Inc()
	}
}

// ObserveHandler records how long a handler for opcode ran since start
func (m *Metrics) ObserveHandler(opcode string, start time.Time) {
	if m != nil {
		m.handlerDuration.WithLabelValues(opcode).Observe(time.Since(start).Seconds())
	}
}
