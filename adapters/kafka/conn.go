package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// client is the subset of *kgo.Client used by the transport.
type client interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

type clientFactory func(opts ...kgo.Opt) (client, error)

func newKgoClient(opts ...kgo.Opt) (client, error) {
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return cl, nil
}

// Dialer opens franz-go clients for kafka://host1:9092,host2:9092 URLs.
// Add ?tls=true to dial with TLS.
type Dialer struct {
	Logger *zap.Logger
}

var _ cbroker.Dialer = Dialer{}

func (Dialer) Schemes() []string { return []string{"kafka"} }

func (d Dialer) Dial(ctx context.Context, cfg cbroker.ConnectConfig) (cbroker.Connection, error) {
	return d.dial(ctx, cfg, newKgoClient)
}

func (d Dialer) dial(ctx context.Context, cfg cbroker.ConnectConfig, factory clientFactory) (cbroker.Connection, error) {
	base, err := clientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka connect %s: %w", cfg.Name, errors.Join(werr.ErrConnection, err))
	}

	cl, err := factory(base...)
	if err != nil {
		return nil, fmt.Errorf("kafka connect %s: %w", cfg.Name, errors.Join(werr.ErrConnection, err))
	}

	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kafka connect %s: %w", cfg.Name, errors.Join(werr.ErrConnection, err))
	}

	lg := d.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	return newConn(cfg.Name, cl, base, factory, lg), nil
}

func clientOptions(cfg cbroker.ConnectConfig) ([]kgo.Opt, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	var seeds []string

	for _, h := range strings.Split(u.Host, ",") {
		if h = strings.TrimSpace(h); h != "" {
			seeds = append(seeds, h)
		}
	}

	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed brokers in %q", u.Redacted())
	}

	opts := []kgo.Opt{kgo.SeedBrokers(seeds...), kgo.ClientID(cfg.Name)}
	if cfg.Timeout > 0 {
		opts = append(opts, kgo.DialTimeout(cfg.Timeout))
	}

	if u.Query().Get("tls") == "true" {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	return opts, nil
}

// Conn is a cbroker.Connection over one producing client. Consumer groups need
// their own client; those are built from the same options and closed with Conn.
type Conn struct {
	name    string
	cl      client
	base    []kgo.Opt
	factory clientFactory
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	consumers []client
	closed    bool
}

var _ cbroker.Connection = (*Conn)(nil)

func newConn(name string, cl client, base []kgo.Opt, factory clientFactory, lg *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{name: name, cl: cl, base: base, factory: factory, logger: lg, ctx: ctx, cancel: cancel}
}

func (c *Conn) Name() string { return c.name }

// Close stops consumers and closes every client. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	for _, cl := range c.consumers {
		cl.Close()
	}

	c.consumers = nil
	c.cl.Close()

	return nil
}

func (c *Conn) publish(ctx context.Context, topic string, key, body []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: body}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return c.cl.ProduceSync(ctx, rec).FirstErr()
}
