package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventKeyDeterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, EventKey("chat-1", 42), EventKey("chat-1", 42))
	require.NotEqual(t, EventKey("chat-1", 42), EventKey("chat-1", 43))
	require.NotEqual(t, EventKey("chat-1", 42), EventKey("chat-2", 42))
}

func TestEventKeyNoDelimiterCollision(t *testing.T) {
	t.Parallel()

	// "chat/1" + 2 must not collide with "chat" + 12 style confusions.
	require.NotEqual(t, EventKey("chat/1", 2), EventKey("chat", 12))
}

func TestBuildEvent(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 0).UTC()
	msg := RawMessage{SourceID: "chat-1", MessageID: 7, Timestamp: ts, Body: "hello"}
	evt := BuildEvent(msg, []string{"gs://b/media/ab/abc"})

	require.Equal(t, EventKey("chat-1", 7), evt.EventKey)
	require.Equal(t, "chat-1", evt.SourceID)
	require.Equal(t, int64(7), evt.MessageID)
	require.Equal(t, ts, evt.Timestamp)
	require.Equal(t, []string{"gs://b/media/ab/abc"}, evt.MediaRefs)
}

func TestNormalizeBatchSortsOutOfOrder(t *testing.T) {
	t.Parallel()

	msgs := []RawMessage{
		{MessageID: 103}, {MessageID: 101}, {MessageID: 102},
	}
	out, anomalies := NormalizeBatch(msgs)
	require.Equal(t, 1, anomalies)
	require.Len(t, out, 3)
	require.Equal(t, int64(101), out[0].MessageID)
	require.Equal(t, int64(102), out[1].MessageID)
	require.Equal(t, int64(103), out[2].MessageID)
}

func TestNormalizeBatchCollapsesDuplicatesLastWriteWins(t *testing.T) {
	t.Parallel()

	msgs := []RawMessage{
		{MessageID: 101, Body: "first"},
		{MessageID: 102, Body: "other"},
		{MessageID: 101, Body: "second"},
	}
	out, anomalies := NormalizeBatch(msgs)
	require.Equal(t, 2, anomalies)
	require.Len(t, out, 2)
	require.Equal(t, int64(101), out[0].MessageID)
	require.Equal(t, "second", out[0].Body)
	require.Equal(t, int64(102), out[1].MessageID)
}

func TestNormalizeBatchCleanInputUntouched(t *testing.T) {
	t.Parallel()

	msgs := []RawMessage{{MessageID: 1}, {MessageID: 2}}
	out, anomalies := NormalizeBatch(msgs)
	require.Zero(t, anomalies)
	require.Equal(t, msgs, out)
}
