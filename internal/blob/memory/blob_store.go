// Package memory stores blob content in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridian-data/chatfeed/internal/hash/sha256"
)

// BlobStore keeps payloads in a map keyed by content digest and returns
// memory:// references.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Put persists the payload and returns a content-derived reference.
func (s *BlobStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("payload is empty")
	}
	digest := sha256.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[digest]; !ok {
		s.data[digest] = append([]byte(nil), data...)
	}
	return fmt.Sprintf("memory://%s", digest), nil
}

// Get returns the stored payload for a digest, for test assertions.
func (s *BlobStore) Get(digest string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[digest]
	return data, ok
}

// Len reports how many distinct payloads are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
