// Package pubsub implements the bus publisher on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// Publisher wraps a Pub/Sub topic publisher. The event key travels as a
// message attribute for consumer-side deduplication, and the source id is
// the ordering key so per-source order survives the transport.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher. Ordering is
// enabled on it; the client rejects messages carrying an ordering key
// otherwise.
func New(publisher *pubsub.Publisher) (*Publisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("pubsub publisher is required")
	}
	publisher.EnableMessageOrdering = true
	return &Publisher{publisher: publisher}, nil
}

// Publish marshals the event, publishes it, and blocks until the server
// acknowledges it.
func (p *Publisher) Publish(ctx context.Context, event ingest.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &pubsub.Message{
		Data:        data,
		OrderingKey: event.SourceID,
		Attributes: map[string]string{
			"event_key": event.EventKey,
			"source_id": event.SourceID,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event %s: %w", event.EventKey, err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
