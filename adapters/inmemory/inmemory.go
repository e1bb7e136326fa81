// Package inmemory is a process-local transport. It routes published messages
// to every queue bound to the topic and records everything it sees, which makes
// it the transport of choice for tests and for running the service without a broker.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/next-trace/scg-warehouse/adapters/internal/redelivery"
	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

const queueBuffer = 256

// Broker holds exchanges, queues and bindings. It is safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]struct{}
	bindings  map[string][]*queue
	queues    map[string]*queue
	published []cbroker.Publishing
	dead      map[string][]cbroker.Message
}

type queue struct {
	name string
	ch   chan cbroker.Message
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]struct{}{},
		bindings:  map[string][]*queue{},
		queues:    map[string]*queue{},
		dead:      map[string][]cbroker.Message{},
	}
}

// Published returns every message published through any producer, in order.
func (b *Broker) Published() []cbroker.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.published)
}

// DeadLetters returns messages that exhausted their deliveries on queue.
func (b *Broker) DeadLetters(queue string) []cbroker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.dead[queue])
}

// HasExchange reports whether a producer or consumer declared the exchange.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.exchanges[name]

	return ok
}

// Bindings returns the queues bound to an exchange.
func (b *Broker) Bindings(exchange string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.bindings[exchange]))
	for _, q := range b.bindings[exchange] {
		names = append(names, q.name)
	}

	return names
}

func (b *Broker) declare(topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range topics {
		b.exchanges[t] = struct{}{}
	}
}

func (b *Broker) bind(name string, topics []string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, ch: make(chan cbroker.Message, queueBuffer)}
		b.queues[name] = q
	}

	for _, t := range topics {
		b.exchanges[t] = struct{}{}
		if !slices.Contains(b.bindings[t], q) {
			b.bindings[t] = append(b.bindings[t], q)
		}
	}

	return q
}

func (b *Broker) route(ctx context.Context, msg cbroker.Message) error {
	b.mu.Lock()
	targets := slices.Clone(b.bindings[msg.Topic])
	b.mu.Unlock()

	for _, q := range targets {
		if err := q.put(ctx, msg); err != nil {
			return err
		}
	}

	return nil
}

func (b *Broker) deadLetter(queue string, msg cbroker.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dead[queue] = append(b.dead[queue], msg)
}

func (q *queue) put(ctx context.Context, msg cbroker.Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dialer hands out connections to one shared Broker for memory:// URLs.
// Err, when set, makes every Dial fail, which is useful to exercise startup failures.
type Dialer struct {
	Broker *Broker
	Err    error
	Logger *zap.Logger
}

var _ cbroker.Dialer = Dialer{}

func (Dialer) Schemes() []string { return []string{"memory"} }

func (d Dialer) Dial(ctx context.Context, cfg cbroker.ConnectConfig) (cbroker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.Err != nil {
		return nil, fmt.Errorf("inmemory dial %s: %w", cfg.Name, errors.Join(werr.ErrConnection, d.Err))
	}

	b := d.Broker
	if b == nil {
		b = NewBroker()
	}

	conn := NewConn(cfg.Name, b)
	if d.Logger != nil {
		conn.logger = d.Logger
	}

	return conn, nil
}

// Conn is a cbroker.Connection on a Broker.
type Conn struct {
	name   string
	broker *Broker
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var _ cbroker.Connection = (*Conn)(nil)

// NewConn connects to b directly.
func NewConn(name string, b *Broker) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{name: name, broker: b, logger: zap.NewNop(), ctx: ctx, cancel: cancel}
}

func (c *Conn) Name() string { return c.name }

// Close stops every consumer started on this connection.
func (c *Conn) Close() error {
	c.cancel()
	return nil
}

func (c *Conn) DeclareProducer(_ context.Context, topics []string) (cbroker.Producer, error) {
	if c.ctx.Err() != nil {
		return nil, fmt.Errorf("inmemory producer: %w: connection closed", werr.ErrTopicSetup)
	}

	c.broker.declare(topics)

	return &Producer{conn: c, topics: slices.Clone(topics)}, nil
}

func (c *Conn) BindConsumer(_ context.Context, opts cbroker.ConsumerOptions) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("inmemory consumer %q: %w: connection closed", opts.Queue, werr.ErrTopicSetup)
	}

	opts = opts.WithDefaults()
	q := c.broker.bind(opts.Queue, opts.Topics)

	go c.deliver(opts, q)

	return nil
}

func (c *Conn) deliver(opts cbroker.ConsumerOptions, q *queue) {
	// Retries are kept here rather than put back on q.ch: this goroutine is
	// the only reader of q.ch, so blocking on a full channel would stall it.
	var retries []cbroker.Message

	for {
		var msg cbroker.Message

		if len(retries) > 0 {
			if c.ctx.Err() != nil {
				return
			}

			msg, retries = retries[0], retries[1:]
		} else {
			select {
			case <-c.ctx.Done():
				return
			case msg = <-q.ch:
			}
		}

		start := time.Now()
		herr := opts.Handler(c.ctx, msg)

		republish := func(_ context.Context, target string, body []byte, headers map[string]string) error {
			next := msg
			next.Body = body
			next.Headers = headers

			if target == cbroker.DeadLetterName(opts.Queue) {
				c.broker.deadLetter(opts.Queue, next)
				return nil
			}

			next.Attempt = cbroker.AttemptFromHeaders(headers)
			next.Redelivered = true
			retries = append(retries, next)

			return nil
		}

		outcome, err := redelivery.Settle(c.ctx, opts.Queue, cbroker.RetryName(opts.Queue), opts.MaxDeliveries, msg, herr, republish)
		if herr != nil {
			c.logger.Warn("message handling failed",
				zap.String("queue", opts.Queue),
				zap.String("topic", msg.Topic),
				zap.Int("attempt", msg.Attempt),
				zap.String("outcome", string(outcome)),
				zap.Error(herr))
		}

		if err != nil {
			c.logger.Error("inmemory redelivery failed, message dropped",
				zap.String("queue", opts.Queue),
				zap.String("topic", msg.Topic),
				zap.Error(err))
		}

		opts.Observe(outcome, time.Since(start))
	}
}

// Producer publishes into a Broker.
type Producer struct {
	conn   *Conn
	topics []string
}

var _ cbroker.Producer = (*Producer)(nil)

func (p *Producer) Topics() []string { return slices.Clone(p.topics) }

func (p *Producer) Publish(ctx context.Context, m cbroker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !slices.Contains(p.topics, m.Topic) {
		return fmt.Errorf("inmemory publish to %q: %w: topic not declared by this producer", m.Topic, werr.ErrPublishFailed)
	}

	b := p.conn.broker
	b.mu.Lock()
	b.published = append(b.published, m)
	b.mu.Unlock()

	rk := m.RoutingKey
	if rk == "" {
		rk = m.Topic
	}

	return b.route(ctx, cbroker.Message{
		Topic:       m.Topic,
		RoutingKey:  rk,
		Body:        m.Body,
		Headers:     m.Headers,
		ContentType: m.ContentType,
		MessageID:   m.MessageID,
		Attempt:     1,
	})
}
