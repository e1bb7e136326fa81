package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
)

// Metrics counts consumer outcomes and times handlers.
type Metrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates and registers the broker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warehouse",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Deliveries handled by consumers, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warehouse",
			Subsystem: "broker",
			Name:      "handler_seconds",
			Help:      "Time spent in message handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}

	if reg != nil {
		reg.MustRegister(m.messages, m.duration)
	}

	return m
}

// Observe matches cbroker.ConsumerOptions.Observer.
func (m *Metrics) Observe(queue string, outcome cbroker.Outcome, took time.Duration) {
	m.messages.WithLabelValues(queue, string(outcome)).Inc()
	m.duration.WithLabelValues(queue).Observe(took.Seconds())
}
