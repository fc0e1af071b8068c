// Package memory implements an in-process bus publisher for development and
// tests. It records acknowledged events, which doubles as the durable
// publish-acknowledgment log consulted during crash recovery.
package memory

import (
	"context"
	"sync"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// Publisher stores published events and acknowledges them immediately unless
// a failure is injected.
type Publisher struct {
	mu     sync.Mutex
	events []ingest.Event
	acked  map[string]map[int64]bool // source id -> message id -> acked

	// FailKeys holds event keys whose publish attempts fail. A positive
	// count fails that many attempts before succeeding; -1 fails forever.
	failures map[string]int
}

// NewPublisher creates an in-memory bus publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		acked:    make(map[string]map[int64]bool),
		failures: make(map[string]int),
	}
}

// FailEventKey injects publish failures for an event key. attempts < 0 means
// every attempt fails.
func (p *Publisher) FailEventKey(key string, attempts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[key] = attempts
}

// Publish records the event and acknowledges it, honoring injected failures
// and the context deadline.
func (p *Publisher) Publish(ctx context.Context, event ingest.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if remaining, ok := p.failures[event.EventKey]; ok && remaining != 0 {
		if remaining > 0 {
			p.failures[event.EventKey] = remaining - 1
		}
		return context.DeadlineExceeded
	}

	p.events = append(p.events, event)
	byID, ok := p.acked[event.SourceID]
	if !ok {
		byID = make(map[int64]bool)
		p.acked[event.SourceID] = byID
	}
	byID[event.MessageID] = true
	return nil
}

// WasBatchAcknowledged implements ingest.AckLog. Batches publish in ascending
// message-id order, so an acknowledged final event implies the whole batch
// was acknowledged.
func (p *Publisher) WasBatchAcknowledged(_ context.Context, sourceID string, toMessageID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked[sourceID][toMessageID], nil
}

// AckBatch marks a batch as acknowledged without publishing, to set up
// recovery scenarios in tests.
func (p *Publisher) AckBatch(sourceID string, messageIDs ...int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byID, ok := p.acked[sourceID]
	if !ok {
		byID = make(map[int64]bool)
		p.acked[sourceID] = byID
	}
	for _, id := range messageIDs {
		byID[id] = true
	}
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []ingest.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ingest.Event(nil), p.events...)
}

// EventKeys returns the distinct event keys published so far.
func (p *Publisher) EventKeys() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make(map[string]int)
	for _, e := range p.events {
		keys[e.EventKey]++
	}
	return keys
}
