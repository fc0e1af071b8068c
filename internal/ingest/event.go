package ingest

import (
	"fmt"
	"sort"

	"github.com/meridian-data/chatfeed/internal/hash/sha256"
)

// EventKey derives the deterministic idempotency key for a message. The same
// (source, message) pair always yields the same key, letting downstream
// consumers deduplicate redelivered events.
func EventKey(sourceID string, messageID int64) string {
	return sha256.Sum([]byte(fmt.Sprintf("%s/%d", sourceID, messageID)))
}

// BuildEvent constructs the normalized event for a message with its media
// already offloaded to blob references.
func BuildEvent(msg RawMessage, mediaRefs []string) Event {
	return Event{
		EventKey:  EventKey(msg.SourceID, msg.MessageID),
		SourceID:  msg.SourceID,
		MessageID: msg.MessageID,
		Timestamp: msg.Timestamp,
		Body:      msg.Body,
		MediaRefs: mediaRefs,
	}
}

// NormalizeBatch sorts messages by ascending message id and collapses
// duplicate ids, keeping the last occurrence. The returned count is the
// number of corrections applied; a non-zero count is a data anomaly worth
// logging but never fatal.
func NormalizeBatch(msgs []RawMessage) ([]RawMessage, int) {
	if len(msgs) == 0 {
		return msgs, 0
	}

	anomalies := 0
	if !sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].MessageID < msgs[j].MessageID }) {
		anomalies++
	}

	// Stable sort keeps the later duplicate after the earlier one, which
	// makes the dedup below last-write-wins.
	sorted := append([]RawMessage(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MessageID < sorted[j].MessageID })

	out := sorted[:0]
	for _, m := range sorted {
		if n := len(out); n > 0 && out[n-1].MessageID == m.MessageID {
			out[n-1] = m
			anomalies++
			continue
		}
		out = append(out, m)
	}
	return out, anomalies
}
