package metrics

import (
	"testing"
	"time"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Helpers must not panic once initialized.
	IncMessagesIngested("chat-1", 5)
	IncEventsPublished("chat-1")
	IncPublishRetries("chat-1")
	IncFloodWaits("chat-1")
	IncBatchesCommitted("chat-1")
	AddDataAnomalies("chat-1", 2)
	SetBackoffLevel("chat-1", 3)
	ObserveCommitDuration(15 * time.Millisecond)
	SetActiveWorkers(2)
}

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	// Collector vars may be nil if Init was never called in a process;
	// helpers must quietly no-op rather than panic.
	IncEventsPublished("chat-1")
	SetActiveWorkers(0)
}
