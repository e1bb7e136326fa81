// Package events handles the warehouse's inbound domain events and emits the
// resulting stock events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

const ContentTypeJSON = "application/json"

// Envelope wraps every event body on the wire.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, errors.Join(werr.ErrSerializationFailed, err))
	}

	return Envelope{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Decode reads an envelope from msg. A missing type falls back to the routing key.
func Decode(msg cbroker.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", errors.Join(werr.ErrSerializationFailed, err))
	}

	if env.Type == "" {
		env.Type = msg.RoutingKey
	}

	if env.ID == "" {
		env.ID = msg.MessageID
	}

	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s payload: %w: empty", e.Type, werr.ErrSerializationFailed)
	}

	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, errors.Join(werr.ErrSerializationFailed, err))
	}

	return nil
}

// Publish wraps payload in an envelope and publishes it on topic, routed by typ.
func Publish(ctx context.Context, p cbroker.Producer, topic, typ string, payload any, headers map[string]string) error {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", typ, errors.Join(werr.ErrSerializationFailed, err))
	}

	return p.Publish(ctx, cbroker.Publishing{
		Topic:       topic,
		RoutingKey:  typ,
		Body:        body,
		Headers:     headers,
		ContentType: ContentTypeJSON,
		MessageID:   env.ID,
	})
}
