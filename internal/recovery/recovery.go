// Package recovery reconciles open outbox records left behind by a crash.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/ingest"
	"github.com/meridian-data/chatfeed/internal/metrics"
)

// Manager resolves the publish-but-not-committed window on startup. It runs
// before any worker is admitted.
type Manager struct {
	store  ingest.CursorStore
	bus    ingest.BusPublisher
	clock  ingest.Clock
	logger *zap.Logger
}

// New constructs a Manager.
func New(store ingest.CursorStore, bus ingest.BusPublisher, clock ingest.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, bus: bus, clock: clock, logger: logger}
}

// Reconcile inspects every open outbox record and either redoes the commit or
// abandons the record.
//
// When the bus can answer whether the batch's final event was acknowledged,
// an acknowledged batch gets its interrupted commit redone. In every other
// case the record is cleared and the cursor left in place: the next cycle
// re-fetches the same range, and the deterministic event keys make any
// redelivery harmless downstream.
func (m *Manager) Reconcile(ctx context.Context) error {
	records, err := m.store.OpenOutboxes(ctx)
	if err != nil {
		return fmt.Errorf("list open outboxes: %w", err)
	}
	if len(records) == 0 {
		m.logger.Info("no interrupted batches found")
		return nil
	}

	ackLog, canAsk := m.bus.(ingest.AckLog)
	for _, rec := range records {
		log := m.logger.With(
			zap.String("source_id", rec.SourceID),
			zap.Int64("from", rec.FromMessageID),
			zap.Int64("to", rec.ToMessageID),
			zap.String("batch_token", rec.BatchToken),
		)

		acked := false
		if canAsk {
			acked, err = ackLog.WasBatchAcknowledged(ctx, rec.SourceID, rec.ToMessageID)
			if err != nil {
				// Undeterminable counts as not acknowledged: the record is
				// cleared and the range re-fetched, which is safe under the
				// event-key dedup.
				log.Warn("acknowledgment lookup failed, treating batch as unacknowledged", zap.Error(err))
				acked = false
			}
		}

		if acked {
			if err := m.store.CommitBatch(ctx, rec.SourceID, rec.ToMessageID, m.clock.Now()); err != nil {
				return fmt.Errorf("redo commit for %s: %w", rec.SourceID, err)
			}
			metrics.IncBatchesCommitted(rec.SourceID)
			log.Info("interrupted batch was acknowledged, commit redone")
			continue
		}

		if err := m.store.ClearOutbox(ctx, rec.SourceID); err != nil {
			return fmt.Errorf("clear outbox for %s: %w", rec.SourceID, err)
		}
		log.Info("interrupted batch abandoned, range will be re-fetched")
	}
	return nil
}
