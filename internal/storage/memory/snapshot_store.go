// Package memory stores text snapshots in-memory for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// SnapshotStore keeps the last text per resource key in a map.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ crawler.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{data: make(map[string]string)}
}

// Get returns the stored text and whether one existed.
func (s *SnapshotStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.data[key]
	return text, ok, nil
}

// Put overwrites the text stored under key.
func (s *SnapshotStore) Put(_ context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = text
	return nil
}

// Len reports how many snapshots are held.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
