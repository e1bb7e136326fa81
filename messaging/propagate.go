package messaging

import (
	"context"
	"maps"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
)

type propagatingProducer struct {
	cbroker.Producer
	prop cbroker.HeaderPropagator
}

// WithPropagation returns a producer that lets prop add request-scoped headers
// (a correlation id, for example) to every publishing. Caller headers win.
func WithPropagation(p cbroker.Producer, prop cbroker.HeaderPropagator) cbroker.Producer {
	if prop == nil {
		return p
	}

	return &propagatingProducer{Producer: p, prop: prop}
}

func (p *propagatingProducer) Publish(ctx context.Context, m cbroker.Publishing) error {
	headers := map[string]string{}
	p.prop.Inject(ctx, headers)
	maps.Copy(headers, m.Headers)
	m.Headers = headers

	return p.Producer.Publish(ctx, m)
}
