package messaging

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// StartProducer declares one durable topic exchange per topic on conn and
// returns a producer limited to that set. Re-declaring is harmless.
func StartProducer(ctx context.Context, conn cbroker.Connection, topics []string, logger *zap.Logger) (cbroker.Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if conn == nil {
		return nil, fmt.Errorf("start producer: %w: no connection", werr.ErrTopicSetup)
	}

	if err := ValidateTopics(topics); err != nil {
		return nil, setupError("start producer", err)
	}

	p, err := conn.DeclareProducer(ctx, topics)
	if err != nil {
		return nil, setupError("start producer", err)
	}

	logger.Info("producer ready", zap.String("connection", conn.Name()), zap.Strings("topics", topics))

	return p, nil
}

// StartConsumer binds a durable queue to every topic in opts and starts delivering
// to opts.Handler. Deliveries are handled one at a time.
func StartConsumer(ctx context.Context, conn cbroker.Connection, opts cbroker.ConsumerOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	if conn == nil {
		return fmt.Errorf("start consumer: %w: no connection", werr.ErrTopicSetup)
	}

	if err := ValidateTopics(opts.Topics); err != nil {
		return setupError("start consumer", err)
	}

	if opts.Queue == "" {
		return fmt.Errorf("start consumer: %w: queue name is required", werr.ErrTopicSetup)
	}

	if opts.Handler == nil {
		return fmt.Errorf("start consumer %q: %w: handler is required", opts.Queue, werr.ErrTopicSetup)
	}

	opts = opts.WithDefaults()

	if err := conn.BindConsumer(ctx, opts); err != nil {
		return setupError(fmt.Sprintf("start consumer %q", opts.Queue), err)
	}

	logger.Info("consumer ready",
		zap.String("connection", conn.Name()),
		zap.String("queue", opts.Queue),
		zap.Strings("topics", opts.Topics),
		zap.Int("maxDeliveries", opts.MaxDeliveries),
	)

	return nil
}

func setupError(op string, err error) error {
	if errors.Is(err, werr.ErrTopicSetup) {
		return err
	}

	return fmt.Errorf("%s: %w", op, errors.Join(werr.ErrTopicSetup, err))
}
