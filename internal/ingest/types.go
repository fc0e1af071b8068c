// Package ingest defines core types shared across subsystems.
package ingest

import (
	"fmt"
	"time"
)

// Source identifies one chat/channel being ingested.
type Source struct {
	ID          string `json:"source_id"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
	// Priority is a scheduling hint; higher values are admitted first.
	Priority int `json:"priority"`
}

// Cursor is the durable per-source ingestion progress marker.
type Cursor struct {
	SourceID        string    `json:"source_id"`
	LastMessageID   int64     `json:"last_message_id"`
	LastCommittedAt time.Time `json:"last_committed_at"`
	PendingBatch    *string   `json:"pending_batch_token,omitempty"`
}

// OutboxRecord marks a publish batch that has been opened but not yet
// committed. At most one open record exists per source; its presence after a
// restart signals an interrupted batch.
type OutboxRecord struct {
	SourceID      string    `json:"source_id"`
	FromMessageID int64     `json:"from_message_id"`
	ToMessageID   int64     `json:"to_message_id"`
	BatchToken    string    `json:"batch_token"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Media is a raw media payload attached to a message. The payload bytes are
// ephemeral; they are offloaded to the blob store before the event is built.
type Media struct {
	Kind     string
	Filename string
	Data     []byte
}

// RawMessage is a single message as returned by the source client. It is
// never persisted as-is.
type RawMessage struct {
	SourceID  string
	MessageID int64
	Timestamp time.Time
	Body      string
	Media     []Media
}

// Event is the normalized unit published to the bus. Immutable once built.
type Event struct {
	EventKey  string    `json:"event_key"`
	SourceID  string    `json:"source_id"`
	MessageID int64     `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body"`
	MediaRefs []string  `json:"media_refs,omitempty"`
}

// WorkerState is the lifecycle state of a source worker.
type WorkerState string

// Worker states reported through the status API.
const (
	StateIdle         WorkerState = "IDLE"
	StateFetching     WorkerState = "FETCHING"
	StateTransforming WorkerState = "TRANSFORMING"
	StatePublishing   WorkerState = "PUBLISHING"
	StateCommitting   WorkerState = "COMMITTING"
	StateBackoff      WorkerState = "BACKOFF"
	StateFatal        WorkerState = "FATAL"
)

// FailureClass partitions worker failures for backoff decisions.
type FailureClass int

// Failure classes reported to the rate controller.
const (
	FailureNone FailureClass = iota
	FailureTransient
	FailureRateLimited
	FailureAuth
	FailurePersistence
)

// RunOutcome summarizes one worker cycle for the scheduler.
type RunOutcome struct {
	// MorePending indicates a full batch was committed and the source
	// likely has more messages waiting.
	MorePending bool
	// Failure is the class of the failure that ended the cycle, if any.
	Failure FailureClass
	// Delay is how long the scheduler should hold the source out of
	// admission. Zero means the regular cadence applies.
	Delay time.Duration
	// Fatal marks the source permanently ineligible (auth failure).
	Fatal bool
	// Halted marks the worker stopped after exhausted persistence
	// retries; its slot is surrendered until external intervention.
	Halted bool
}

// SourceStatus is the externally observable health of one source.
type SourceStatus struct {
	Source       Source      `json:"source"`
	State        WorkerState `json:"state"`
	IdleSince    time.Time   `json:"idle_since"`
	NextEligible time.Time   `json:"next_eligible,omitempty"`
	BackoffLevel int         `json:"backoff_level"`
	Cursor       int64       `json:"last_message_id"`
}

// FloodWaitError carries a source-network-mandated pause. It is not a
// failure; the source must simply not be fetched again before the wait
// elapses.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// AuthFailureError is fatal for the affected source only.
type AuthFailureError struct {
	Reason string
}

func (e *AuthFailureError) Error() string {
	return fmt.Sprintf("auth failure: %s", e.Reason)
}
