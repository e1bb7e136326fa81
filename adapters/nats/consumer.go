package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/next-trace/scg-warehouse/adapters/internal/redelivery"
	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// BindConsumer subscribes the queue group opts.Queue to every topic subject
// and to the queue's own <queue>.retry subject. All subjects feed one channel
// drained by a single goroutine, so deliveries reach the handler one at a
// time. Failures are republished on <queue>.retry with an attempt header and
// end up on <queue>.dead after opts.MaxDeliveries.
func (c *Conn) BindConsumer(_ context.Context, opts cbroker.ConsumerOptions) error {
	opts = opts.WithDefaults()

	msgs := make(chan *nats.Msg, opts.Prefetch)

	subjects := append(append([]string(nil), opts.Topics...), cbroker.RetryName(opts.Queue))
	for _, t := range subjects {
		if _, err := c.nc.ChanQueueSubscribe(t, opts.Queue, msgs); err != nil {
			return fmt.Errorf("nats subscribe %q as %q: %w", t, opts.Queue, errors.Join(werr.ErrTopicSetup, err))
		}
	}

	go c.deliver(opts, msgs)

	return nil
}

func (c *Conn) deliver(opts cbroker.ConsumerOptions, msgs <-chan *nats.Msg) {
	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("nats delivery stopped", zap.String("queue", opts.Queue))
			return
		case m := <-msgs:
			c.handle(opts, m)
		}
	}
}

func (c *Conn) handle(opts cbroker.ConsumerOptions, m *nats.Msg) {
	msg := toMessage(m)
	start := time.Now()

	herr := opts.Handler(c.ctx, msg)

	outcome, err := redelivery.Settle(c.ctx, opts.Queue, cbroker.RetryName(opts.Queue), opts.MaxDeliveries, msg, herr, c.publish)
	if herr != nil {
		c.logger.Warn("message handling failed",
			zap.String("queue", opts.Queue),
			zap.String("subject", m.Subject),
			zap.Int("attempt", msg.Attempt),
			zap.String("outcome", string(outcome)),
			zap.Error(herr))
	}

	if err != nil {
		c.logger.Error("nats redelivery failed, message dropped",
			zap.String("queue", opts.Queue),
			zap.String("subject", m.Subject),
			zap.Error(err))
	}

	opts.Observe(outcome, time.Since(start))
}

func toMessage(m *nats.Msg) cbroker.Message {
	h := make(map[string]string, len(m.Header))
	for k := range m.Header {
		h[k] = m.Header.Get(k)
	}

	attempt := cbroker.AttemptFromHeaders(h)

	topic := h[cbroker.HeaderOriginalTopic]
	if topic == "" {
		topic = m.Subject
	}

	rk := h[headerRoutingKey]
	if rk == "" {
		rk = topic
	}

	return cbroker.Message{
		Topic:       topic,
		RoutingKey:  rk,
		Body:        m.Data,
		Headers:     h,
		ContentType: h[headerContentType],
		MessageID:   h[headerMessageID],
		Attempt:     attempt,
		Redelivered: attempt > 1,
	}
}
