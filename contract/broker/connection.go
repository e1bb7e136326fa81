package broker

import (
	"context"
	"time"
)

// ConnectConfig describes the single broker connection a process opens.
type ConnectConfig struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// Connection is one logical broker transport handle. Producers and consumers
// are derived from it and share its lifetime: Close releases every channel,
// subscription or client that was created through it.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Connection interface {
	Name() string
	// DeclareProducer declares (or attaches to) one topic exchange per topic.
	// Declaring an exchange that already exists is not an error.
	DeclareProducer(ctx context.Context, topics []string) (Producer, error)
	// BindConsumer declares the durable queue, binds it to every topic and
	// starts delivering messages to opts.Handler.
	BindConsumer(ctx context.Context, opts ConsumerOptions) error
	Close() error
}

// Dialer opens a Connection for the URL schemes it claims.
type Dialer interface {
	Schemes() []string
	Dial(ctx context.Context, cfg ConnectConfig) (Connection, error)
}
