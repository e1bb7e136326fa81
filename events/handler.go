package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// Inbound and outbound event types.
const (
	OrderCreated   = "orders.created"
	OrderCancelled = "orders.cancelled"

	StockReserved = "warehouse.stock-reserved"
	StockRejected = "warehouse.stock-rejected"
	StockReleased = "warehouse.stock-released"
)

// OrderCreatedPayload is the payload of orders.created.
type OrderCreatedPayload struct {
	OrderID string `json:"orderId" validate:"required"`
	Lines   []Line `json:"lines" validate:"required,min=1,dive"`
}

// OrderCancelledPayload is the payload of orders.cancelled.
type OrderCancelledPayload struct {
	OrderID string `json:"orderId" validate:"required"`
}

// StockPayload is emitted for reserved and released stock.
type StockPayload struct {
	OrderID string `json:"orderId"`
	Lines   []Line `json:"lines"`
}

// StockRejectedPayload is emitted when an order cannot be reserved.
type StockRejectedPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Handler turns order events into stock changes.
type Handler struct {
	inventory Inventory
	router    *Router
	validate  *validator.Validate
	logger    *zap.Logger
	// replyTopic overrides the topic stock events are published on.
	// Empty means the topic the triggering event arrived on.
	replyTopic string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithReplyTopic publishes stock events on topic instead of the source topic.
func WithReplyTopic(topic string) HandlerOption {
	return func(h *Handler) { h.replyTopic = topic }
}

// WithLogger sets the logger; nil keeps the default.
func WithLogger(lg *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if lg != nil {
			h.logger = lg
		}
	}
}

// NewHandler binds the order events to inv.
func NewHandler(inv Inventory, opts ...HandlerOption) *Handler {
	h := &Handler{
		inventory: inv,
		router:    NewRouter(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    zap.NewNop(),
	}

	for _, o := range opts {
		o(h)
	}

	// a fresh router cannot hold duplicates
	_ = h.router.Bind(OrderCreated, h.orderCreated)
	_ = h.router.Bind(OrderCancelled, h.orderCancelled)

	return h
}

// HandleEventMessage decodes msg and dispatches it by type. Unknown types are
// acknowledged and ignored. Any failure is an ErrHandling so the transport
// redelivers the message.
func (h *Handler) HandleEventMessage(ctx context.Context, p cbroker.Producer, msg cbroker.Message) error {
	env, err := Decode(msg)
	if err != nil {
		return handlingError(msg, err)
	}

	handled, err := h.router.Dispatch(ctx, p, msg, env)
	if err != nil {
		return handlingError(msg, err)
	}

	if !handled {
		h.logger.Debug("ignoring event", zap.String("type", env.Type), zap.String("topic", msg.Topic))
	}

	return nil
}

func handlingError(msg cbroker.Message, err error) error {
	if errors.Is(err, werr.ErrHandling) {
		return err
	}

	return fmt.Errorf("handle %s (attempt %d): %w", msg.Topic, msg.Attempt, errors.Join(werr.ErrHandling, err))
}

func (h *Handler) reply(ctx context.Context, p cbroker.Producer, msg cbroker.Message, typ string, payload any) error {
	topic := h.replyTopic
	if topic == "" {
		topic = msg.Topic
	}

	return Publish(ctx, p, topic, typ, payload, nil)
}

func (h *Handler) orderCreated(ctx context.Context, p cbroker.Producer, msg cbroker.Message, env Envelope) error {
	var in OrderCreatedPayload
	if err := env.Decode(&in); err != nil {
		return err
	}

	if err := h.validate.Struct(in); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}

	err := h.inventory.Reserve(ctx, in.OrderID, in.Lines)

	switch {
	case errors.Is(err, ErrInsufficientStock):
		h.logger.Info("stock rejected", zap.String("orderId", in.OrderID), zap.Error(err))
		return h.reply(ctx, p, msg, StockRejected, StockRejectedPayload{OrderID: in.OrderID, Reason: err.Error()})
	case err != nil:
		return fmt.Errorf("reserve stock for %s: %w", in.OrderID, err)
	}

	h.logger.Info("stock reserved", zap.String("orderId", in.OrderID), zap.Int("lines", len(in.Lines)))

	return h.reply(ctx, p, msg, StockReserved, StockPayload{OrderID: in.OrderID, Lines: in.Lines})
}

func (h *Handler) orderCancelled(ctx context.Context, p cbroker.Producer, msg cbroker.Message, env Envelope) error {
	var in OrderCancelledPayload
	if err := env.Decode(&in); err != nil {
		return err
	}

	if err := h.validate.Struct(in); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}

	lines, err := h.inventory.Release(ctx, in.OrderID)
	if err != nil {
		return fmt.Errorf("release stock for %s: %w", in.OrderID, err)
	}

	h.logger.Info("stock released", zap.String("orderId", in.OrderID), zap.Int("lines", len(lines)))

	return h.reply(ctx, p, msg, StockReleased, StockPayload{OrderID: in.OrderID, Lines: lines})
}
