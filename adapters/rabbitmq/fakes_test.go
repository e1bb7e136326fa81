package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type call struct {
	op   string
	name string
	kind string
	key  string
	args amqp.Table
}

type fakeChannel struct {
	mu         sync.Mutex
	calls      []call
	published  []amqp.Publishing
	exchanges  []string
	keys       []string
	deliveries chan amqp.Delivery
	failOn     map[string]error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8), failOn: map[string]error{}}
}

func (f *fakeChannel) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, c)

	return f.failOn[c.op+":"+c.name]
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, args amqp.Table) error {
	return f.record(call{op: "exchange", name: name, kind: kind, args: args})
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, f.record(call{op: "queue", name: name, args: args})
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	return f.record(call{op: "bind", name: name, key: key, kind: exchange})
}

func (f *fakeChannel) Qos(_, _ int, _ bool) error { return f.record(call{op: "qos"}) }

func (f *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, f.record(call{op: "consume", name: queue})
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exchanges = append(f.exchanges, exchange)
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)

	return f.failOn["publish:"+exchange]
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.deliveries)
	}

	return nil
}

func (f *fakeChannel) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []call

	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}

	return out
}

type ackResult struct {
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	results chan ackResult
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.results <- ackResult{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.results <- ackResult{requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.results <- ackResult{requeue: requeue}
	return nil
}
