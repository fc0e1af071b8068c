// Package publish drives ordered, acknowledged event publishing.
package publish

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/ingest"
	"github.com/meridian-data/chatfeed/internal/metrics"
)

// Config controls Publisher behavior.
type Config struct {
	// AckTimeout bounds each individual publish attempt.
	AckTimeout time.Duration
}

// Publisher sends a batch of events to the bus one at a time, in ascending
// message-id order, waiting for each acknowledgment before sending the next.
// A single event is retried with backoff up to the policy ceiling; publish is
// idempotent via the event key, so retries are safe. One exhausted event
// fails the whole batch.
type Publisher struct {
	bus    ingest.BusPublisher
	policy *RetryPolicy
	cfg    Config
	logger *zap.Logger
}

// New constructs a Publisher.
func New(bus ingest.BusPublisher, policy *RetryPolicy, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = NewRetryPolicy(0, 0, 0)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	return &Publisher{bus: bus, policy: policy, cfg: cfg, logger: logger}
}

// PublishBatch publishes all events in order. On error the batch must not be
// committed; the caller backs off and eventually re-fetches the same range.
func (p *Publisher) PublishBatch(ctx context.Context, events []ingest.Event) error {
	for _, evt := range events {
		if err := p.publishOne(ctx, evt); err != nil {
			return err
		}
		metrics.IncEventsPublished(evt.SourceID)
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, evt ingest.Event) error {
	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts(); attempt++ {
		if attempt > 0 {
			metrics.IncPublishRetries(evt.SourceID)
			if err := sleep(ctx, p.policy.Backoff(attempt-1)); err != nil {
				return err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
		err := p.bus.Publish(attemptCtx, evt)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("publish attempt failed",
			zap.String("source_id", evt.SourceID),
			zap.Int64("message_id", evt.MessageID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return fmt.Errorf("publish %s not acknowledged after %d attempts: %w",
		evt.EventKey, p.policy.MaxAttempts(), lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
