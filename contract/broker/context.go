package broker

import "context"

// HeaderPropagator abstracts injecting request-scoped context into message headers.
// Implementors should mutate the provided headers map and be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}
