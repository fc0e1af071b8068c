package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-data/chatfeed/internal/bus/memory"
	"github.com/meridian-data/chatfeed/internal/ingest"
)

func batch(sourceID string, ids ...int64) []ingest.Event {
	events := make([]ingest.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, ingest.Event{
			EventKey:  ingest.EventKey(sourceID, id),
			SourceID:  sourceID,
			MessageID: id,
		})
	}
	return events
}

func fastPolicy(maxAttempts int) *RetryPolicy {
	return NewRetryPolicy(maxAttempts, time.Millisecond, 2*time.Millisecond)
}

func TestPublishBatchOrdered(t *testing.T) {
	t.Parallel()

	bus := memory.NewPublisher()
	p := New(bus, fastPolicy(3), Config{AckTimeout: time.Second}, nil)

	err := p.PublishBatch(context.Background(), batch("chat-1", 101, 102, 103))
	require.NoError(t, err)

	events := bus.Events()
	require.Len(t, events, 3)
	for i, want := range []int64{101, 102, 103} {
		require.Equal(t, want, events[i].MessageID)
	}
}

func TestPublishBatchRetriesSingleEvent(t *testing.T) {
	t.Parallel()

	bus := memory.NewPublisher()
	key := ingest.EventKey("chat-1", 102)
	bus.FailEventKey(key, 2)

	p := New(bus, fastPolicy(4), Config{AckTimeout: time.Second}, nil)
	err := p.PublishBatch(context.Background(), batch("chat-1", 101, 102, 103))
	require.NoError(t, err)

	// All three eventually acknowledged, each key exactly once.
	keys := bus.EventKeys()
	require.Len(t, keys, 3)
	require.Equal(t, 1, keys[key])
}

func TestPublishBatchFailsAfterRetryCeiling(t *testing.T) {
	t.Parallel()

	bus := memory.NewPublisher()
	key := ingest.EventKey("chat-1", 103)
	bus.FailEventKey(key, -1)

	p := New(bus, fastPolicy(3), Config{AckTimeout: time.Second}, nil)
	err := p.PublishBatch(context.Background(), batch("chat-1", 101, 102, 103, 104))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not acknowledged after 3 attempts")

	// Events before the failing one were acknowledged; nothing after it
	// was sent.
	events := bus.Events()
	require.Len(t, events, 2)
	require.Equal(t, int64(102), events[1].MessageID)
}

func TestPublishBatchStopsOnCancel(t *testing.T) {
	t.Parallel()

	bus := memory.NewPublisher()
	bus.FailEventKey(ingest.EventKey("chat-1", 101), -1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(bus, fastPolicy(5), Config{AckTimeout: time.Second}, nil)
	err := p.PublishBatch(ctx, batch("chat-1", 101))
	require.ErrorIs(t, err, context.Canceled)
}
