package broker

import (
	"strconv"
	"time"
)

const (
	// HeaderAttempt carries the delivery attempt on transports without a native counter.
	HeaderAttempt = "x-attempt"
	// HeaderOriginalTopic keeps the source topic of a message moved to a retry or dead-letter target.
	HeaderOriginalTopic = "x-original-topic"

	DefaultMaxDeliveries = 5
	DefaultPrefetch      = 10
	DefaultBindingKey    = "#"
)

// Outcome is what happened to a delivery after its handler returned.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// ConsumerOptions binds a named durable queue to a topic set.
type ConsumerOptions struct {
	Topics []string
	// Queue identifies the durable queue; keep it stable across restarts.
	Queue   string
	Handler MessageHandler
	// Prefetch bounds unacknowledged deliveries in flight (AMQP QoS).
	Prefetch int
	// MaxDeliveries bounds delivery attempts before a message is dead-lettered.
	MaxDeliveries int
	BindingKey    string
	// Observer, when set, is called once per delivery after acknowledgement.
	Observer func(queue string, outcome Outcome, took time.Duration)
}

// WithDefaults fills zero-valued tunables.
func (o ConsumerOptions) WithDefaults() ConsumerOptions {
	if o.Prefetch <= 0 {
		o.Prefetch = DefaultPrefetch
	}

	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = DefaultMaxDeliveries
	}

	if o.BindingKey == "" {
		o.BindingKey = DefaultBindingKey
	}

	return o
}

// Observe reports an outcome if an observer is configured.
func (o ConsumerOptions) Observe(outcome Outcome, took time.Duration) {
	if o.Observer != nil {
		o.Observer(o.Queue, outcome, took)
	}
}

// DeadLetterName is the queue, subject or topic that receives exhausted messages.
func DeadLetterName(queue string) string { return queue + ".dead" }

// RetryName is the subject or topic only the consumer of queue reads retries from.
func RetryName(queue string) string { return queue + ".retry" }

// AttemptFromHeaders reads HeaderAttempt, defaulting to the first attempt.
func AttemptFromHeaders(h map[string]string) int {
	n, err := strconv.Atoi(h[HeaderAttempt])
	if err != nil || n < 1 {
		return 1
	}

	return n
}
