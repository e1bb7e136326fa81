package broker

import "context"

// Message is an inbound delivery, independent of the transport it came from.
type Message struct {
	Topic       string
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	ContentType string
	MessageID   string
	// Attempt is the 1-based delivery count as far as the transport can tell.
	Attempt     int
	Redelivered bool
}

// Publishing is an outbound message. Topic must belong to the producer's topic set.
// An empty RoutingKey defaults to the topic name.
type Publishing struct {
	Topic       string
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	ContentType string
	MessageID   string
}

// Producer publishes to a fixed topic set on one Connection.
type Producer interface {
	Topics() []string
	Publish(ctx context.Context, p Publishing) error
}

// MessageHandler processes one delivery. A nil error acknowledges it; any error
// leaves it to the transport's redelivery path.
type MessageHandler func(ctx context.Context, msg Message) error

// EventHandler is the shared domain handler shape; it receives the producer it
// should use for follow-up events.
type EventHandler func(ctx context.Context, p Producer, msg Message) error
