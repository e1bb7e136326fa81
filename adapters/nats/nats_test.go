package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

type fakeClient struct {
	mu        sync.Mutex
	published []*nats.Msg
	subs      map[string]string
	ch        chan *nats.Msg
	flushErr  error
	pubErr    error
	drained   bool
}

func newFakeClient() *fakeClient { return &fakeClient{subs: map[string]string{}} }

func (f *fakeClient) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, m)

	return f.pubErr
}

func (f *fakeClient) ChanQueueSubscribe(subj, group string, ch chan *nats.Msg) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subs[subj] = group
	f.ch = ch

	return nil, nil
}

func (f *fakeClient) FlushWithContext(context.Context) error { return f.flushErr }

func (f *fakeClient) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeClient) Close() {}

func (f *fakeClient) sent() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*nats.Msg(nil), f.published...)
}

func testConn(t *testing.T, fc *fakeClient) *Conn {
	t.Helper()

	c := newConn("warehouse-service", fc, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestDialer_UnreachableServer(t *testing.T) {
	_, err := Dialer{}.Dial(t.Context(), cbroker.ConnectConfig{URL: "nats://127.0.0.1:1", Name: "svc", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, werr.ErrConnection)
}

func TestDeclareProducer_FlushFailure(t *testing.T) {
	fc := newFakeClient()
	fc.flushErr = nats.ErrConnectionClosed

	_, err := testConn(t, fc).DeclareProducer(t.Context(), []string{"user.activity"})
	assert.ErrorIs(t, err, werr.ErrTopicSetup)
}

func TestProducer_PublishSetsHeaders(t *testing.T) {
	fc := newFakeClient()

	p, err := testConn(t, fc).DeclareProducer(t.Context(), []string{"user.activity"})
	require.NoError(t, err)

	err = p.Publish(t.Context(), cbroker.Publishing{
		Topic:      "user.activity",
		RoutingKey: "products.viewed",
		MessageID:  "m1",
		Body:       []byte(`{}`),
		Headers:    map[string]string{"h": "v"},
	})
	require.NoError(t, err)

	sent := fc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "user.activity", sent[0].Subject)
	assert.Equal(t, "products.viewed", sent[0].Header.Get(headerRoutingKey))
	assert.Equal(t, "m1", sent[0].Header.Get(headerMessageID))
	assert.Equal(t, "application/json", sent[0].Header.Get(headerContentType))
	assert.Equal(t, "v", sent[0].Header.Get("h"))
}

func TestProducer_PublishErrors(t *testing.T) {
	fc := newFakeClient()

	p, err := testConn(t, fc).DeclareProducer(t.Context(), []string{"t"})
	require.NoError(t, err)

	assert.ErrorIs(t, p.Publish(t.Context(), cbroker.Publishing{Topic: "other"}), werr.ErrPublishFailed)

	fc.pubErr = errors.New("boom")
	assert.ErrorIs(t, p.Publish(t.Context(), cbroker.Publishing{Topic: "t"}), werr.ErrPublishFailed)

	fc.pubErr = context.DeadlineExceeded
	assert.ErrorIs(t, p.Publish(t.Context(), cbroker.Publishing{Topic: "t"}), context.DeadlineExceeded)
}

func TestConsumer_QueueGroupAndRedelivery(t *testing.T) {
	fc := newFakeClient()
	c := testConn(t, fc)

	outcomes := make(chan cbroker.Outcome, 4)
	seen := make(chan string, 4)

	err := c.BindConsumer(t.Context(), cbroker.ConsumerOptions{
		Topics: []string{"orders.created", "orders.cancelled"},
		Queue:  "queue:warehouse:orders",
		Handler: func(_ context.Context, m cbroker.Message) error {
			seen <- m.Topic
			return errors.New("boom")
		},
		MaxDeliveries: 2,
		Observer:      func(_ string, o cbroker.Outcome, _ time.Duration) { outcomes <- o },
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"orders.created":               "queue:warehouse:orders",
		"orders.cancelled":             "queue:warehouse:orders",
		"queue:warehouse:orders.retry": "queue:warehouse:orders",
	}, fc.subs)

	fc.ch <- &nats.Msg{Subject: "orders.created", Data: []byte(`{}`)}
	assert.Equal(t, "orders.created", <-seen)
	assert.Equal(t, cbroker.OutcomeRequeued, <-outcomes)

	// Retries go to the queue's own subject so other groups on
	// orders.created never see them.
	retry := fc.sent()[0]
	assert.Equal(t, "queue:warehouse:orders.retry", retry.Subject)
	assert.Equal(t, "2", retry.Header.Get(cbroker.HeaderAttempt))
	assert.Equal(t, "orders.created", retry.Header.Get(cbroker.HeaderOriginalTopic))

	fc.ch <- retry
	assert.Equal(t, "orders.created", <-seen)
	assert.Equal(t, cbroker.OutcomeDeadLettered, <-outcomes)
	assert.Equal(t, "queue:warehouse:orders.dead", fc.sent()[1].Subject)
}

func TestToMessage(t *testing.T) {
	m := toMessage(&nats.Msg{Subject: "orders.created", Data: []byte("x")})
	assert.Equal(t, "orders.created", m.RoutingKey)
	assert.Equal(t, 1, m.Attempt)
	assert.False(t, m.Redelivered)
}

func TestToMessage_RetryKeepsOriginalTopic(t *testing.T) {
	m := toMessage(&nats.Msg{
		Subject: "queue:warehouse:orders.retry",
		Header: nats.Header{
			cbroker.HeaderOriginalTopic: []string{"orders.created"},
			cbroker.HeaderAttempt:       []string{"2"},
		},
	})
	assert.Equal(t, "orders.created", m.Topic)
	assert.Equal(t, "orders.created", m.RoutingKey)
	assert.Equal(t, 2, m.Attempt)
	assert.True(t, m.Redelivered)
}

func TestConn_CloseDrainsOnce(t *testing.T) {
	fc := newFakeClient()
	c := newConn("svc", fc, zap.NewNop())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, fc.drained)
}
