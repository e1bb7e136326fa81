package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/next-trace/scg-warehouse/adapters/internal/redelivery"
	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// BindConsumer joins consumer group opts.Queue on every topic plus the queue's
// own retry topic, with auto-commit disabled. Records are handled one at a
// time; offsets are committed after each poll once every record is settled.
// The retry and dead-letter topics must exist or be auto-created by the broker.
func (c *Conn) BindConsumer(ctx context.Context, opts cbroker.ConsumerOptions) error {
	opts = opts.WithDefaults()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("kafka consumer %q: %w: connection closed", opts.Queue, werr.ErrTopicSetup)
	}
	c.mu.Unlock()

	copts := append(append([]kgo.Opt(nil), c.base...),
		kgo.ConsumerGroup(opts.Queue),
		kgo.ConsumeTopics(append(append([]string(nil), opts.Topics...), topicName(cbroker.RetryName(opts.Queue)))...),
		kgo.DisableAutoCommit(),
	)

	cl, err := c.factory(copts...)
	if err != nil {
		return fmt.Errorf("kafka consumer %q: %w", opts.Queue, errors.Join(werr.ErrTopicSetup, err))
	}

	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return fmt.Errorf("kafka consumer %q: %w", opts.Queue, errors.Join(werr.ErrTopicSetup, err))
	}

	c.mu.Lock()
	c.consumers = append(c.consumers, cl)
	c.mu.Unlock()

	go c.poll(opts, cl)

	return nil
}

func (c *Conn) poll(opts cbroker.ConsumerOptions, cl client) {
	for {
		fetches := cl.PollFetches(c.ctx)
		if c.ctx.Err() != nil || fetches.IsClientClosed() {
			c.logger.Info("kafka delivery stopped", zap.String("queue", opts.Queue))
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("kafka fetch failed",
				zap.String("queue", opts.Queue),
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		fetches.EachRecord(func(r *kgo.Record) { c.handle(opts, r) })

		if err := cl.CommitUncommittedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("kafka commit failed", zap.String("queue", opts.Queue), zap.Error(err))
		}
	}
}

func (c *Conn) handle(opts cbroker.ConsumerOptions, r *kgo.Record) {
	msg := toMessage(r)
	start := time.Now()

	herr := opts.Handler(c.ctx, msg)

	republish := func(ctx context.Context, topic string, body []byte, headers map[string]string) error {
		return c.publish(ctx, topicName(topic), r.Key, body, headers)
	}

	outcome, err := redelivery.Settle(c.ctx, opts.Queue, cbroker.RetryName(opts.Queue), opts.MaxDeliveries, msg, herr, republish)
	if herr != nil {
		c.logger.Warn("message handling failed",
			zap.String("queue", opts.Queue),
			zap.String("topic", r.Topic),
			zap.Int64("offset", r.Offset),
			zap.Int("attempt", msg.Attempt),
			zap.String("outcome", string(outcome)),
			zap.Error(herr))
	}

	if err != nil {
		c.logger.Error("kafka redelivery failed, message dropped",
			zap.String("queue", opts.Queue),
			zap.String("topic", r.Topic),
			zap.Error(err))
	}

	opts.Observe(outcome, time.Since(start))
}

func toMessage(r *kgo.Record) cbroker.Message {
	h := make(map[string]string, len(r.Headers))
	for _, rh := range r.Headers {
		h[rh.Key] = string(rh.Value)
	}

	attempt := cbroker.AttemptFromHeaders(h)

	topic := h[cbroker.HeaderOriginalTopic]
	if topic == "" {
		topic = r.Topic
	}

	rk := string(r.Key)
	if rk == "" {
		rk = topic
	}

	return cbroker.Message{
		Topic:       topic,
		RoutingKey:  rk,
		Body:        r.Value,
		Headers:     h,
		ContentType: h[headerContentType],
		MessageID:   h[headerMessageID],
		Attempt:     attempt,
		Redelivered: attempt > 1,
	}
}

// topicName maps a queue-derived name onto the characters Kafka accepts in
// topic names ([a-zA-Z0-9._-]); anything else becomes a dot.
func topicName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '.'
		}
	}, name)
}
