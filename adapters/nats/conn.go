package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// Concrete NATS connection-backed transport. Topics map to subjects and the
// consumer queue name maps to a queue group.

const defaultConnTimeout = 10 * time.Second

// client is the subset of *nats.Conn used by the transport.
type client interface {
	PublishMsg(m *nats.Msg) error
	ChanQueueSubscribe(subj, group string, ch chan *nats.Msg) (*nats.Subscription, error)
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
}

// Dialer opens NATS connections for nats:// and tls:// URLs.
type Dialer struct {
	Logger        *zap.Logger
	MaxReconnects int
}

var _ cbroker.Dialer = Dialer{}

func (Dialer) Schemes() []string { return []string{"nats", "tls"} }

func (d Dialer) Dial(ctx context.Context, cfg cbroker.ConnectConfig) (cbroker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnTimeout
	}

	opts := []nats.Option{nats.Name(cfg.Name), nats.Timeout(timeout)}
	if d.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(d.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.Name, errors.Join(werr.ErrConnection, err))
	}

	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats connect %s: %w", cfg.Name, errors.Join(werr.ErrConnection, err))
	}

	lg := d.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	return newConn(cfg.Name, nc, lg), nil
}

// Conn is a cbroker.Connection over one NATS connection.
type Conn struct {
	name   string
	nc     client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ cbroker.Connection = (*Conn)(nil)

func newConn(name string, nc client, lg *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{name: name, nc: nc, logger: lg, ctx: ctx, cancel: cancel}
}

func (c *Conn) Name() string { return c.name }

// Close drains subscriptions and closes the connection. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	err := c.nc.Drain()
	c.nc.Close()

	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}

	return err
}

func (c *Conn) publish(ctx context.Context, subject string, body []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: body}

	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.FlushWithContext(ctx)
}
