package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

type producer struct {
	mu     sync.Mutex
	ch     channel
	topics []string
}

var _ cbroker.Producer = (*producer)(nil)

// DeclareProducer opens a channel and declares one durable topic exchange per topic.
func (c *Conn) DeclareProducer(_ context.Context, topics []string) (cbroker.Producer, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq producer channel: %w", errors.Join(werr.ErrTopicSetup, err))
	}

	if err := declareExchanges(ch, topics); err != nil {
		return nil, err
	}

	return &producer{ch: ch, topics: slices.Clone(topics)}, nil
}

func declareExchanges(ch channel, topics []string) error {
	for _, t := range topics {
		if err := ch.ExchangeDeclare(t, exchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq declare exchange %q: %w", t, errors.Join(werr.ErrTopicSetup, err))
		}
	}

	return nil
}

func (p *producer) Topics() []string { return slices.Clone(p.topics) }

func (p *producer) Publish(ctx context.Context, m cbroker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !slices.Contains(p.topics, m.Topic) {
		return fmt.Errorf("rabbitmq publish to %q: %w: topic not declared by this producer", m.Topic, werr.ErrPublishFailed)
	}

	rk := m.RoutingKey
	if rk == "" {
		rk = m.Topic
	}

	ct := m.ContentType
	if ct == "" {
		ct = "application/json"
	}

	p.mu.Lock()
	err := p.ch.PublishWithContext(
		ctx,
		m.Topic,
		rk,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      toTable(m.Headers),
			ContentType:  ct,
			MessageId:    m.MessageID,
			Timestamp:    time.Now().UTC(),
			Body:         m.Body,
		},
	)
	p.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish to %q: %w", m.Topic, errors.Join(werr.ErrPublishFailed, err))
	}

	return nil
}
