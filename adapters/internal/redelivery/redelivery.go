// Package redelivery implements bounded redelivery for transports that have no
// native negative acknowledgement: failed messages are republished with an
// incremented attempt header until the limit, then sent to the dead-letter name.
package redelivery

import (
	"context"
	"strconv"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
)

// Publish sends a raw message to a subject/topic.
type Publish func(ctx context.Context, target string, body []byte, headers map[string]string) error

// Settle decides the fate of msg after its handler returned handlerErr.
// target is where a retry goes; it must be read by this queue's consumer only.
// Both retries and dead letters carry the source topic in HeaderOriginalTopic.
func Settle(
	ctx context.Context,
	queue, target string,
	maxDeliveries int,
	msg cbroker.Message,
	handlerErr error,
	publish Publish,
) (cbroker.Outcome, error) {
	if handlerErr == nil {
		return cbroker.OutcomeAcked, nil
	}

	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}

	if headers[cbroker.HeaderOriginalTopic] == "" && msg.Topic != "" {
		headers[cbroker.HeaderOriginalTopic] = msg.Topic
	}

	if msg.Attempt >= maxDeliveries {
		headers["x-dead-letter-reason"] = handlerErr.Error()
		if err := publish(ctx, cbroker.DeadLetterName(queue), msg.Body, headers); err != nil {
			return cbroker.OutcomeDeadLettered, err
		}

		return cbroker.OutcomeDeadLettered, nil
	}

	headers[cbroker.HeaderAttempt] = strconv.Itoa(msg.Attempt + 1)
	if err := publish(ctx, target, msg.Body, headers); err != nil {
		return cbroker.OutcomeRequeued, err
	}

	return cbroker.OutcomeRequeued, nil
}
