// Package memory provides an in-memory cursor store for development and
// tests. It honors the same transactional invariants as the Postgres store:
// commits are atomic with outbox clearing and the cursor never moves
// backward.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// CursorStore keeps sources, cursors, and outbox records in maps guarded by
// one mutex.
type CursorStore struct {
	mu      sync.Mutex
	sources map[string]ingest.Source
	cursors map[string]ingest.Cursor
	outbox  map[string]ingest.OutboxRecord

	// failCommits and failOpens, when positive, fail that many
	// CommitBatch/OpenOutbox calls to exercise the persistence-failure
	// paths in tests.
	failCommits int
	failOpens   int
}

// NewCursorStore creates an empty store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		sources: make(map[string]ingest.Source),
		cursors: make(map[string]ingest.Cursor),
		outbox:  make(map[string]ingest.OutboxRecord),
	}
}

// RegisterSource adds or replaces a source definition.
func (s *CursorStore) RegisterSource(src ingest.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
}

// FailNextCommits makes the next n CommitBatch calls fail.
func (s *CursorStore) FailNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// FailNextOpens makes the next n OpenOutbox calls fail.
func (s *CursorStore) FailNextOpens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens = n
}

// ListSources returns all registered sources ordered by priority, then id.
func (s *CursorStore) ListSources(_ context.Context) ([]ingest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ingest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetSourceEnabled flips the enabled flag of a source.
func (s *CursorStore) SetSourceEnabled(_ context.Context, sourceID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[sourceID]
	if !ok {
		return ingest.ErrCursorNotFound
	}
	src.Enabled = enabled
	s.sources[sourceID] = src
	return nil
}

// GetCursor returns the cursor for a source, or ErrCursorNotFound when the
// source has never committed.
func (s *CursorStore) GetCursor(_ context.Context, sourceID string) (ingest.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[sourceID]
	if !ok {
		return ingest.Cursor{}, ingest.ErrCursorNotFound
	}
	return cur, nil
}

// OpenOutbox records the batch boundary, replacing any open record for the
// source, and stamps the cursor's pending batch token.
func (s *CursorStore) OpenOutbox(_ context.Context, rec ingest.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOpens > 0 {
		s.failOpens--
		return context.DeadlineExceeded
	}

	s.outbox[rec.SourceID] = rec
	cur := s.cursors[rec.SourceID]
	cur.SourceID = rec.SourceID
	token := rec.BatchToken
	cur.PendingBatch = &token
	s.cursors[rec.SourceID] = cur
	return nil
}

// CommitBatch advances the cursor monotonically and clears the outbox in one
// step.
func (s *CursorStore) CommitBatch(_ context.Context, sourceID string, toMessageID int64, committedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommits > 0 {
		s.failCommits--
		return context.DeadlineExceeded
	}

	cur := s.cursors[sourceID]
	cur.SourceID = sourceID
	if toMessageID > cur.LastMessageID {
		cur.LastMessageID = toMessageID
	}
	cur.LastCommittedAt = committedAt
	cur.PendingBatch = nil
	s.cursors[sourceID] = cur
	delete(s.outbox, sourceID)
	return nil
}

// ClearOutbox drops the open record without touching the committed position.
func (s *CursorStore) ClearOutbox(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.outbox, sourceID)
	if cur, ok := s.cursors[sourceID]; ok {
		cur.PendingBatch = nil
		s.cursors[sourceID] = cur
	}
	return nil
}

// OpenOutboxes lists every open record, ordered by source id.
func (s *CursorStore) OpenOutboxes(_ context.Context) ([]ingest.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ingest.OutboxRecord, 0, len(s.outbox))
	for _, rec := range s.outbox {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}
