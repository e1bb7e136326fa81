package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

const (
	defaultConnTimeout = 30 * time.Second
	exchangeKind       = "topic"
	product            = "scg-warehouse"
)

// channel is the subset of *amqp.Channel used by producers and consumers.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens AMQP connections for amqp:// and amqps:// URLs.
type Dialer struct {
	Logger *zap.Logger
}

var _ cbroker.Dialer = Dialer{}

func (Dialer) Schemes() []string { return []string{"amqp", "amqps"} }

// Dial performs the AMQP handshake. The connection name is advertised to the
// broker as the client-provided connection_name property.
func (d Dialer) Dial(ctx context.Context, cfg cbroker.ConnectConfig) (cbroker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnTimeout
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}

	done := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": product, "connection_name": cfg.Name},
			Dial:       amqp.DefaultDial(timeout),
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// the handshake may still complete; close it when it does
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()

		return nil, fmt.Errorf("rabbitmq dial %s: %w", cfg.Name, errors.Join(werr.ErrConnection, ctx.Err()))
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("rabbitmq dial %s: %w", cfg.Name, errors.Join(werr.ErrConnection, r.err))
		}

		return wrapAMQP(cfg.Name, r.conn, d.logger()), nil
	}
}

func (d Dialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}

	return d.Logger
}

func wrapAMQP(name string, conn *amqp.Connection, lg *zap.Logger) *Conn {
	c := newConn(name, func() (channel, error) { return conn.Channel() }, conn.Close, lg)

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		if err, ok := <-notify; ok && err != nil {
			lg.Error("rabbitmq connection closed by broker",
				zap.String("name", name),
				zap.Int("code", err.Code),
				zap.String("reason", err.Reason))
		}
	}()

	return c
}

// Conn is a cbroker.Connection over one AMQP connection. Every producer and
// consumer gets its own channel; all of them are closed with the connection.
type Conn struct {
	name      string
	open      func() (channel, error)
	closeConn func() error
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels []channel
	closed   bool
}

var _ cbroker.Connection = (*Conn)(nil)

func newConn(name string, open func() (channel, error), closeConn func() error, lg *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		name:      name,
		open:      open,
		closeConn: closeConn,
		logger:    lg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) channel() (channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("rabbitmq %s: connection closed", c.name)
	}

	ch, err := c.open()
	if err != nil {
		return nil, err
	}

	c.channels = append(c.channels, ch)

	return ch, nil
}

// Close closes every derived channel and then the connection. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	var errs []error

	for _, ch := range c.channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	c.channels = nil

	if c.closeConn != nil {
		if err := c.closeConn(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := amqp.Table{}
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))
	for k, v := range t {
		h[k] = fmt.Sprint(v)
	}

	return h
}
