package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmem "github.com/meridian-data/chatfeed/internal/blob/memory"
	busmem "github.com/meridian-data/chatfeed/internal/bus/memory"
	"github.com/meridian-data/chatfeed/internal/ingest"
	"github.com/meridian-data/chatfeed/internal/media"
	"github.com/meridian-data/chatfeed/internal/publish"
	"github.com/meridian-data/chatfeed/internal/ratectl"
	storemem "github.com/meridian-data/chatfeed/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedClient returns each scripted result once, then reports caught up.
type scriptedClient struct {
	mu      sync.Mutex
	script  []fetchResult
	fetches []int64
}

type fetchResult struct {
	msgs []ingest.RawMessage
	err  error
}

func (c *scriptedClient) push(msgs []ingest.RawMessage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, fetchResult{msgs: msgs, err: err})
}

func (c *scriptedClient) FetchBatch(_ context.Context, _ string, afterMessageID int64, _ int) ([]ingest.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches = append(c.fetches, afterMessageID)
	if len(c.script) == 0 {
		return nil, nil
	}
	next := c.script[0]
	c.script = c.script[1:]
	return next.msgs, next.err
}

func messages(sourceID string, ids ...int64) []ingest.RawMessage {
	msgs := make([]ingest.RawMessage, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, ingest.RawMessage{
			SourceID:  sourceID,
			MessageID: id,
			Timestamp: time.Date(2025, 11, 3, 11, 0, 0, 0, time.UTC),
			Body:      "hello",
		})
	}
	return msgs
}

type fixture struct {
	worker *Worker
	client *scriptedClient
	store  *storemem.CursorStore
	bus    *busmem.Publisher
	clock  *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	clock := newFakeClock()
	client := &scriptedClient{}
	store := storemem.NewCursorStore()
	bus := busmem.NewPublisher()

	src := ingest.Source{ID: "chat-42", DisplayName: "Chat 42", Enabled: true}
	store.RegisterSource(src)

	rate := ratectl.New(ratectl.Config{
		SourceInterval: time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
		FloodPadMax:    time.Millisecond,
	}, clock, nil)
	offloader := media.New(blobmem.NewBlobStore(), media.Config{}, nil)
	publisher := publish.New(bus, publish.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond), publish.Config{AckTimeout: time.Second}, nil)

	if cfg.CommitRetryDelay == 0 {
		cfg.CommitRetryDelay = time.Millisecond
	}
	w := New(src, client, rate, offloader, publisher, store, clock, cfg, nil)
	return &fixture{worker: w, client: client, store: store, bus: bus, clock: clock}
}

func TestRunOnceCommitsCleanBatch(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	f.client.push(messages("chat-42", 101, 102, 103, 104, 105), nil)

	outcome := f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureNone, outcome.Failure)
	assert.False(t, outcome.MorePending)

	cur, err := f.store.GetCursor(context.Background(), "chat-42")
	require.NoError(t, err)
	assert.Equal(t, int64(105), cur.LastMessageID)
	assert.Nil(t, cur.PendingBatch)

	open, err := f.store.OpenOutboxes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	events := f.bus.Events()
	require.Len(t, events, 5)
	for i, evt := range events {
		assert.Equal(t, int64(101+i), evt.MessageID)
		assert.Equal(t, ingest.EventKey("chat-42", evt.MessageID), evt.EventKey)
	}
	assert.Equal(t, ingest.StateIdle, f.worker.State())
}

func TestRunOnceFullBatchReportsMorePending(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 3})
	f.client.push(messages("chat-42", 101, 102, 103), nil)

	outcome := f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureNone, outcome.Failure)
	assert.True(t, outcome.MorePending)
}

func TestRunOnceCaughtUpGoesIdle(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})

	outcome := f.worker.RunOnce(context.Background())
	assert.Equal(t, ingest.RunOutcome{}, outcome)
	assert.Equal(t, ingest.StateIdle, f.worker.State())
}

func TestRunOncePublishFailureLeavesCursorAndOutbox(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	f.client.push(messages("chat-42", 101, 102, 103), nil)
	f.bus.FailEventKey(ingest.EventKey("chat-42", 103), -1)

	outcome := f.worker.RunOnce(context.Background())
	assert.Equal(t, ingest.FailureTransient, outcome.Failure)
	assert.Greater(t, outcome.Delay, time.Duration(0))
	assert.Equal(t, ingest.StateBackoff, f.worker.State())

	// Events before the failing one were acknowledged; the cursor did not
	// move and the outbox record is still open for the range.
	cur, err := f.store.GetCursor(context.Background(), "chat-42")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur.LastMessageID)
	require.NotNil(t, cur.PendingBatch)

	open, err := f.store.OpenOutboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(101), open[0].FromMessageID)
	assert.Equal(t, int64(103), open[0].ToMessageID)
}

func TestRunOnceRetriesAreDeduplicatedByEventKey(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	batch := messages("chat-42", 101, 102, 103)
	f.client.push(batch, nil)
	// First cycle fails on the last event forever, second cycle re-fetches
	// the same range and succeeds.
	key := ingest.EventKey("chat-42", 103)
	f.bus.FailEventKey(key, -1)

	outcome := f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureTransient, outcome.Failure)

	f.bus.FailEventKey(key, 0)
	f.client.push(batch, nil)
	f.clock.Advance(outcome.Delay + time.Second)

	outcome = f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureNone, outcome.Failure)

	cur, err := f.store.GetCursor(context.Background(), "chat-42")
	require.NoError(t, err)
	assert.Equal(t, int64(103), cur.LastMessageID)

	// 101 and 102 were published twice but carry the same event key each
	// time, so consumers can collapse them.
	keys := f.bus.EventKeys()
	assert.Equal(t, 2, keys[ingest.EventKey("chat-42", 101)])
	assert.Equal(t, 2, keys[ingest.EventKey("chat-42", 102)])
	assert.Equal(t, 1, keys[key])
}

func TestRunOnceFloodWaitBacksOffWithoutFetchingAgain(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	f.client.push(nil, &ingest.FloodWaitError{RetryAfter: 30 * time.Second})

	outcome := f.worker.RunOnce(context.Background())
	assert.Equal(t, ingest.FailureRateLimited, outcome.Failure)
	assert.GreaterOrEqual(t, outcome.Delay, 30*time.Second)
	assert.Equal(t, ingest.StateBackoff, f.worker.State())

	// Until the mandated wait elapses the rate controller refuses the next
	// fetch outright.
	outcome = f.worker.RunOnce(context.Background())
	assert.Greater(t, outcome.Delay, time.Duration(0))
	f.client.mu.Lock()
	fetches := len(f.client.fetches)
	f.client.mu.Unlock()
	assert.Equal(t, 1, fetches)
}

func TestRunOnceAuthFailureIsFatalAndDisablesSource(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	f.client.push(nil, &ingest.AuthFailureError{Reason: "session revoked"})

	outcome := f.worker.RunOnce(context.Background())
	assert.True(t, outcome.Fatal)
	assert.Equal(t, ingest.FailureAuth, outcome.Failure)
	assert.Equal(t, ingest.StateFatal, f.worker.State())

	sources, err := f.store.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.False(t, sources[0].Enabled)

	// Subsequent cycles stay fatal without touching the network.
	outcome = f.worker.RunOnce(context.Background())
	assert.True(t, outcome.Fatal)
}

func TestRunOnceTransientFetchFailureBacksOff(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	f.client.push(nil, errors.New("connection reset"))

	outcome := f.worker.RunOnce(context.Background())
	assert.Equal(t, ingest.FailureTransient, outcome.Failure)
	assert.Greater(t, outcome.Delay, time.Duration(0))

	// A successful cycle resets the backoff.
	f.client.push(messages("chat-42", 101), nil)
	f.clock.Advance(outcome.Delay + time.Second)
	outcome = f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureNone, outcome.Failure)
	assert.Equal(t, ingest.StateIdle, f.worker.State())
}

func TestRunOnceOpenOutboxFailureBacksOffWithoutHalting(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	f.client.push(messages("chat-42", 101, 102), nil)
	f.store.FailNextOpens(1)

	// Nothing has been published yet, so a failure before the outbox opens
	// backs off and retries rather than surrendering the slot.
	outcome := f.worker.RunOnce(context.Background())
	assert.False(t, outcome.Halted)
	assert.False(t, outcome.Fatal)
	assert.Equal(t, ingest.FailurePersistence, outcome.Failure)
	assert.Greater(t, outcome.Delay, time.Duration(0))
	assert.Empty(t, f.bus.Events())

	_, err := f.store.GetCursor(context.Background(), "chat-42")
	assert.ErrorIs(t, err, ingest.ErrCursorNotFound)

	// The next cycle re-fetches the same range and commits normally.
	f.client.push(messages("chat-42", 101, 102), nil)
	f.clock.Advance(outcome.Delay + time.Second)
	outcome = f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureNone, outcome.Failure)

	cur, err := f.store.GetCursor(context.Background(), "chat-42")
	require.NoError(t, err)
	assert.Equal(t, int64(102), cur.LastMessageID)
}

func TestRunOnceCommitFailureHaltsWorker(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10, CommitRetries: 2})
	f.client.push(messages("chat-42", 101, 102), nil)
	f.store.FailNextCommits(2)

	outcome := f.worker.RunOnce(context.Background())
	assert.True(t, outcome.Halted)
	assert.Equal(t, ingest.FailurePersistence, outcome.Failure)

	// The open outbox record survives for startup recovery; the batch was
	// fully acknowledged by the bus.
	open, err := f.store.OpenOutboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	acked, err := f.bus.WasBatchAcknowledged(context.Background(), "chat-42", 102)
	require.NoError(t, err)
	assert.True(t, acked)
}

func TestRunOnceNormalizesDisorderedBatch(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	msgs := messages("chat-42", 103, 101, 102)
	f.client.push(msgs, nil)

	outcome := f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureNone, outcome.Failure)

	events := f.bus.Events()
	require.Len(t, events, 3)
	assert.Equal(t, int64(101), events[0].MessageID)
	assert.Equal(t, int64(102), events[1].MessageID)
	assert.Equal(t, int64(103), events[2].MessageID)
}

func TestStatusReflectsCursorAndState(t *testing.T) {
	f := newFixture(t, Config{BatchLimit: 10})
	f.client.push(messages("chat-42", 101, 102), nil)

	outcome := f.worker.RunOnce(context.Background())
	require.Equal(t, ingest.FailureNone, outcome.Failure)

	status := f.worker.Status()
	assert.Equal(t, "chat-42", status.Source.ID)
	assert.Equal(t, ingest.StateIdle, status.State)
	assert.Equal(t, int64(102), status.Cursor)
	assert.Zero(t, status.BackoffLevel)
}
