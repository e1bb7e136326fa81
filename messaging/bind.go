package messaging

import (
	"context"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
)

// Bind fixes the producer argument of an event handler, yielding a handler a
// consumer can call with the message alone. The handler's error is returned as is.
func Bind(h cbroker.EventHandler, p cbroker.Producer) cbroker.MessageHandler {
	if h == nil {
		panic("messaging: Bind with nil event handler")
	}

	if p == nil {
		panic("messaging: Bind with nil producer")
	}

	return func(ctx context.Context, msg cbroker.Message) error {
		return h(ctx, p, msg)
	}
}
