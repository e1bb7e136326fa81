package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/next-trace/scg-warehouse/adapters/inmemory"
	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
	"github.com/next-trace/scg-warehouse/events"
)

type fakeInventory struct {
	mu        sync.Mutex
	reserved  map[string][]events.Line
	reserveFn func(orderID string, lines []events.Line) error
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{reserved: map[string][]events.Line{}}
}

func (f *fakeInventory) Reserve(_ context.Context, orderID string, lines []events.Line) error {
	if f.reserveFn != nil {
		if err := f.reserveFn(orderID, lines); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved[orderID] = lines

	return nil
}

func (f *fakeInventory) Release(_ context.Context, orderID string) ([]events.Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines := f.reserved[orderID]
	delete(f.reserved, orderID)

	return lines, nil
}

func setup(t *testing.T) (*inmemory.Broker, cbroker.Producer) {
	t.Helper()

	b := inmemory.NewBroker()
	conn := inmemory.NewConn("test", b)
	t.Cleanup(func() { _ = conn.Close() })

	p, err := conn.DeclareProducer(t.Context(), []string{events.OrderCreated, events.OrderCancelled})
	require.NoError(t, err)

	return b, p
}

func message(t *testing.T, topic, typ string, payload any) cbroker.Message {
	t.Helper()

	env, err := events.NewEnvelope(typ, payload)
	require.NoError(t, err)

	body, err := json.Marshal(env)
	require.NoError(t, err)

	return cbroker.Message{Topic: topic, RoutingKey: topic, Body: body, Attempt: 1}
}

func lastEvent(t *testing.T, b *inmemory.Broker) (cbroker.Publishing, events.Envelope) {
	t.Helper()

	pub := b.Published()
	require.NotEmpty(t, pub)

	last := pub[len(pub)-1]

	env, err := events.Decode(cbroker.Message{Body: last.Body, RoutingKey: last.RoutingKey})
	require.NoError(t, err)

	return last, env
}

func TestOrderCreated_ReservesStock(t *testing.T) {
	b, p := setup(t)
	inv := newFakeInventory()
	h := events.NewHandler(inv, events.WithLogger(zaptest.NewLogger(t)))

	line := events.Line{ProductID: uuid.New(), Quantity: 2}
	msg := message(t, events.OrderCreated, events.OrderCreated, events.OrderCreatedPayload{OrderID: "o-1", Lines: []events.Line{line}})

	require.NoError(t, h.HandleEventMessage(t.Context(), p, msg))
	assert.Equal(t, []events.Line{line}, inv.reserved["o-1"])

	pub, env := lastEvent(t, b)
	assert.Equal(t, events.OrderCreated, pub.Topic)
	assert.Equal(t, events.StockReserved, pub.RoutingKey)
	assert.Equal(t, events.ContentTypeJSON, pub.ContentType)
	assert.Equal(t, env.ID, pub.MessageID)

	var out events.StockPayload
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "o-1", out.OrderID)
	assert.Equal(t, []events.Line{line}, out.Lines)
}

func TestOrderCreated_Rejected(t *testing.T) {
	b, p := setup(t)
	inv := newFakeInventory()
	inv.reserveFn = func(string, []events.Line) error { return events.ErrInsufficientStock }
	h := events.NewHandler(inv, events.WithReplyTopic(events.OrderCancelled))

	msg := message(t, events.OrderCreated, events.OrderCreated, events.OrderCreatedPayload{
		OrderID: "o-2", Lines: []events.Line{{ProductID: uuid.New(), Quantity: 99}},
	})

	require.NoError(t, h.HandleEventMessage(t.Context(), p, msg))
	assert.Empty(t, inv.reserved)

	pub, env := lastEvent(t, b)
	assert.Equal(t, events.OrderCancelled, pub.Topic)
	assert.Equal(t, events.StockRejected, env.Type)
}

func TestOrderCancelled_ReleasesStock(t *testing.T) {
	b, p := setup(t)
	inv := newFakeInventory()
	line := events.Line{ProductID: uuid.New(), Quantity: 1}
	inv.reserved["o-3"] = []events.Line{line}

	h := events.NewHandler(inv)
	msg := message(t, events.OrderCancelled, events.OrderCancelled, events.OrderCancelledPayload{OrderID: "o-3"})

	require.NoError(t, h.HandleEventMessage(t.Context(), p, msg))
	assert.NotContains(t, inv.reserved, "o-3")

	_, env := lastEvent(t, b)
	assert.Equal(t, events.StockReleased, env.Type)
}

func TestTypeFallsBackToRoutingKey(t *testing.T) {
	b, p := setup(t)
	h := events.NewHandler(newFakeInventory())

	body, err := json.Marshal(map[string]any{"payload": events.OrderCancelledPayload{OrderID: "o-4"}})
	require.NoError(t, err)

	err = h.HandleEventMessage(t.Context(), p, cbroker.Message{
		Topic: events.OrderCancelled, RoutingKey: events.OrderCancelled, Body: body,
	})
	require.NoError(t, err)

	_, env := lastEvent(t, b)
	assert.Equal(t, events.StockReleased, env.Type)
}

func TestUnknownTypeIsIgnored(t *testing.T) {
	b, p := setup(t)
	h := events.NewHandler(newFakeInventory())

	msg := message(t, events.OrderCreated, events.StockReserved, events.StockPayload{OrderID: "o-5"})

	require.NoError(t, h.HandleEventMessage(t.Context(), p, msg))
	assert.Empty(t, b.Published())
}

func TestHandlingFailures(t *testing.T) {
	_, p := setup(t)

	inv := newFakeInventory()
	inv.reserveFn = func(string, []events.Line) error { return errors.New("db down") }
	h := events.NewHandler(inv)

	cases := map[string]cbroker.Message{
		"bad json":      {Topic: events.OrderCreated, Body: []byte("{")},
		"empty payload": {Topic: events.OrderCreated, Body: []byte(`{"type":"orders.created"}`)},
		"invalid payload": message(t, events.OrderCreated, events.OrderCreated,
			events.OrderCreatedPayload{OrderID: "o-6"}),
		"bad quantity": message(t, events.OrderCreated, events.OrderCreated,
			events.OrderCreatedPayload{OrderID: "o-6", Lines: []events.Line{{ProductID: uuid.New(), Quantity: 0}}}),
		"inventory error": message(t, events.OrderCreated, events.OrderCreated,
			events.OrderCreatedPayload{OrderID: "o-6", Lines: []events.Line{{ProductID: uuid.New(), Quantity: 1}}}),
	}

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, h.HandleEventMessage(t.Context(), p, msg), werr.ErrHandling)
		})
	}
}

func TestRouter_RejectsDuplicates(t *testing.T) {
	r := events.NewRouter()
	fn := func(context.Context, cbroker.Producer, cbroker.Message, events.Envelope) error { return nil }

	require.NoError(t, r.Bind("a", fn))
	assert.ErrorIs(t, r.Bind("a", fn), werr.ErrHandlerExists)
	assert.Equal(t, []string{"a"}, r.Types())

	handled, err := r.Dispatch(t.Context(), nil, cbroker.Message{}, events.Envelope{Type: "b"})
	require.NoError(t, err)
	assert.False(t, handled)
}
