package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// quorum queues count deliveries in this header
const deliveryCountHeader = "x-delivery-count"

// BindConsumer declares the dead-letter topology, the quorum queue and its
// bindings, then starts one goroutine that hands deliveries to opts.Handler
// one at a time. A failed delivery is requeued until opts.MaxDeliveries is
// reached and then rejected into <queue>.dlx.
func (c *Conn) BindConsumer(_ context.Context, opts cbroker.ConsumerOptions) error {
	opts = opts.WithDefaults()

	ch, err := c.channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", errors.Join(werr.ErrTopicSetup, err))
	}

	if err := declareQueue(ch, opts); err != nil {
		return err
	}

	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos %q: %w", opts.Queue, errors.Join(werr.ErrTopicSetup, err))
	}

	deliveries, err := ch.Consume(opts.Queue, c.name+"/"+opts.Queue, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %q: %w", opts.Queue, errors.Join(werr.ErrTopicSetup, err))
	}

	go c.deliver(opts, deliveries)

	return nil
}

func declareQueue(ch channel, opts cbroker.ConsumerOptions) error {
	dlx := opts.Queue + ".dlx"
	dead := cbroker.DeadLetterName(opts.Queue)

	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare exchange %q: %w", dlx, errors.Join(werr.ErrTopicSetup, err))
	}

	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare queue %q: %w", dead, errors.Join(werr.ErrTopicSetup, err))
	}

	if err := ch.QueueBind(dead, "", dlx, false, nil); err != nil {
		return fmt.Errorf("rabbitmq bind %q to %q: %w", dead, dlx, errors.Join(werr.ErrTopicSetup, err))
	}

	// the consumer may come up before any producer of these exchanges
	if err := declareExchanges(ch, opts.Topics); err != nil {
		return err
	}

	args := amqp.Table{
		"x-queue-type":           "quorum",
		"x-delivery-limit":       int64(max(opts.MaxDeliveries-1, 0)),
		"x-dead-letter-exchange": dlx,
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq declare queue %q: %w", opts.Queue, errors.Join(werr.ErrTopicSetup, err))
	}

	for _, t := range opts.Topics {
		if err := ch.QueueBind(opts.Queue, opts.BindingKey, t, false, nil); err != nil {
			return fmt.Errorf("rabbitmq bind %q to %q: %w", opts.Queue, t, errors.Join(werr.ErrTopicSetup, err))
		}
	}

	return nil
}

func (c *Conn) deliver(opts cbroker.ConsumerOptions, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.handle(opts, d)
	}

	c.logger.Info("rabbitmq delivery stopped", zap.String("queue", opts.Queue))
}

func (c *Conn) handle(opts cbroker.ConsumerOptions, d amqp.Delivery) {
	msg := toMessage(d)
	start := time.Now()

	herr := opts.Handler(c.ctx, msg)
	if herr == nil {
		if err := d.Ack(false); err != nil {
			c.logger.Error("rabbitmq ack failed", zap.String("queue", opts.Queue), zap.Error(err))
		}

		opts.Observe(cbroker.OutcomeAcked, time.Since(start))

		return
	}

	outcome, requeue := cbroker.OutcomeRequeued, true
	if msg.Attempt >= opts.MaxDeliveries {
		outcome, requeue = cbroker.OutcomeDeadLettered, false
	}

	c.logger.Warn("message handling failed",
		zap.String("queue", opts.Queue),
		zap.String("exchange", msg.Topic),
		zap.String("message_id", msg.MessageID),
		zap.Int("attempt", msg.Attempt),
		zap.String("outcome", string(outcome)),
		zap.Error(herr))

	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("rabbitmq nack failed", zap.String("queue", opts.Queue), zap.Error(err))
	}

	opts.Observe(outcome, time.Since(start))
}

func toMessage(d amqp.Delivery) cbroker.Message {
	attempt := 1

	switch n := d.Headers[deliveryCountHeader].(type) {
	case int64:
		attempt = int(n) + 1
	case int32:
		attempt = int(n) + 1
	default:
		if d.Redelivered {
			attempt = 2
		}
	}

	return cbroker.Message{
		Topic:       d.Exchange,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Headers:     fromTable(d.Headers),
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Attempt:     attempt,
		Redelivered: d.Redelivered,
	}
}
