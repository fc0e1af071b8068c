package ingest

import (
	"context"
	"errors"
	"time"
)

// ErrSourceDisabled is returned by the rate controller once a source has been
// marked permanently ineligible.
var ErrSourceDisabled = errors.New("source is disabled")

// ErrCursorNotFound is returned by cursor stores when a source has no cursor
// row yet. Callers treat it as a fresh start from the configured offset.
var ErrCursorNotFound = errors.New("cursor not found")

// SourceClient fetches batches of messages from the source network. Failures
// are reported as typed errors: *FloodWaitError for a mandated pause,
// *AuthFailureError for a fatal credential problem, anything else is
// transient.
type SourceClient interface {
	FetchBatch(ctx context.Context, sourceID string, afterMessageID int64, limit int) ([]RawMessage, error)
}

// BusPublisher pushes one event to the downstream bus and waits for the
// broker acknowledgment. A nil return is the ack. The bus must tolerate
// redelivery of the same event key.
type BusPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// AckLog is an optional capability of a BusPublisher: it can answer whether a
// previously published batch was acknowledged. Events are published in
// ascending message-id order, so a batch counts as acknowledged when its last
// event was. Publishers without this capability force recovery to treat open
// outbox records as not-yet-delivered.
type AckLog interface {
	WasBatchAcknowledged(ctx context.Context, sourceID string, toMessageID int64) (bool, error)
}

// BlobStore writes a media payload and returns a stable reference. The
// reference is derived from the content, so storing the same bytes twice
// yields the same reference.
type BlobStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}

// CursorStore is the durable mapping of source to committed position plus the
// outbox used to make publish-then-commit crash-safe. All mutations for a
// given source happen in a single transaction.
type CursorStore interface {
	ListSources(ctx context.Context) ([]Source, error)
	SetSourceEnabled(ctx context.Context, sourceID string, enabled bool) error

	GetCursor(ctx context.Context, sourceID string) (Cursor, error)

	// OpenOutbox records the batch boundary before the first publish.
	// Re-opening replaces any previous open record for the source.
	OpenOutbox(ctx context.Context, rec OutboxRecord) error

	// CommitBatch advances the cursor to toMessageID and clears the
	// outbox record in one transaction. The cursor never moves backward.
	CommitBatch(ctx context.Context, sourceID string, toMessageID int64, committedAt time.Time) error

	// ClearOutbox drops an open record without advancing the cursor.
	ClearOutbox(ctx context.Context, sourceID string) error

	OpenOutboxes(ctx context.Context) ([]OutboxRecord, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
