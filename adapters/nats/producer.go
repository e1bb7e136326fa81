package nats

import (
	"context"
	"errors"
	"fmt"
	"slices"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

const (
	headerContentType = "Content-Type"
	headerMessageID   = "Nats-Msg-Id"
	headerRoutingKey  = "x-routing-key"
)

type producer struct {
	conn   *Conn
	topics []string
}

var _ cbroker.Producer = (*producer)(nil)

// DeclareProducer has nothing to declare on core NATS; it round-trips the
// server so an unusable connection fails setup instead of the first publish.
func (c *Conn) DeclareProducer(ctx context.Context, topics []string) (cbroker.Producer, error) {
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return nil, fmt.Errorf("nats producer %v: %w", topics, errors.Join(werr.ErrTopicSetup, err))
	}

	return &producer{conn: c, topics: slices.Clone(topics)}, nil
}

func (p *producer) Topics() []string { return slices.Clone(p.topics) }

func (p *producer) Publish(ctx context.Context, m cbroker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !slices.Contains(p.topics, m.Topic) {
		return fmt.Errorf("nats publish to %q: %w: topic not declared by this producer", m.Topic, werr.ErrPublishFailed)
	}

	h := make(map[string]string, len(m.Headers)+3)
	for k, v := range m.Headers {
		h[k] = v
	}

	if m.RoutingKey != "" {
		h[headerRoutingKey] = m.RoutingKey
	}

	if m.MessageID != "" {
		h[headerMessageID] = m.MessageID
	}

	ct := m.ContentType
	if ct == "" {
		ct = "application/json"
	}

	h[headerContentType] = ct

	if err := p.conn.publish(ctx, m.Topic, m.Body, h); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish to %q: %w", m.Topic, errors.Join(werr.ErrPublishFailed, err))
	}

	return nil
}
