package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

const (
	headerContentType = "content-type"
	headerMessageID   = "message-id"
)

type producer struct {
	conn   *Conn
	topics []string
}

var _ cbroker.Producer = (*producer)(nil)

// DeclareProducer checks the cluster is reachable; topics are not created here.
func (c *Conn) DeclareProducer(ctx context.Context, topics []string) (cbroker.Producer, error) {
	if err := c.cl.Ping(ctx); err != nil {
		return nil, fmt.Errorf("kafka producer %v: %w", topics, errors.Join(werr.ErrTopicSetup, err))
	}

	return &producer{conn: c, topics: slices.Clone(topics)}, nil
}

func (p *producer) Topics() []string { return slices.Clone(p.topics) }

// Publish produces synchronously. The routing key becomes the record key.
func (p *producer) Publish(ctx context.Context, m cbroker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !slices.Contains(p.topics, m.Topic) {
		return fmt.Errorf("kafka publish to %q: %w: topic not declared by this producer", m.Topic, werr.ErrPublishFailed)
	}

	h := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		h[k] = v
	}

	ct := m.ContentType
	if ct == "" {
		ct = "application/json"
	}

	h[headerContentType] = ct
	if m.MessageID != "" {
		h[headerMessageID] = m.MessageID
	}

	var key []byte
	if m.RoutingKey != "" {
		key = []byte(m.RoutingKey)
	}

	if err := p.conn.publish(ctx, m.Topic, key, m.Body, h); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish to %q: %w", m.Topic, errors.Join(werr.ErrPublishFailed, err))
	}

	return nil
}
