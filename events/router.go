package events

import (
	"context"
	"fmt"
	"sync"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// Func handles one event type. The producer is the one the consumer was bound to.
type Func func(ctx context.Context, p cbroker.Producer, msg cbroker.Message, env Envelope) error

// Router dispatches envelopes by type. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRouter returns a router with no routes.
func NewRouter() *Router {
	return &Router{handlers: map[string]Func{}}
}

// Bind registers fn for typ. Binding a type twice fails with ErrHandlerExists.
func (r *Router) Bind(typ string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typ]; exists {
		return fmt.Errorf("bind event %s: %w", typ, werr.ErrHandlerExists)
	}

	r.handlers[typ] = fn

	return nil
}

// Dispatch calls the handler bound to env.Type. It reports false when none is bound.
func (r *Router) Dispatch(ctx context.Context, p cbroker.Producer, msg cbroker.Message, env Envelope) (bool, error) {
	r.mu.RLock()
	fn, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}

	return true, fn(ctx, p, msg, env)
}

// Types lists bound event types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}

	return out
}
