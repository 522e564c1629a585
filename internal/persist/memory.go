package persist

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. Useful for testing
// and development.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

// LoadSnapshot fetches the current snapshot for a document.
func (m *MemoryStore) LoadSnapshot(_ context.Context, documentID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[documentID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}

	state := make([]byte, len(snap.State))
	copy(state, snap.State)
	snap.State = state

	return snap, nil
}

// SaveSnapshot writes the snapshot for a document, replacing any previous one.
func (m *MemoryStore) SaveSnapshot(_ context.Context, documentID string, state []byte) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(state))
	copy(stored, state)

	now := time.Now()
	m.snapshots[documentID] = Snapshot{
		DocumentID: documentID,
		State:      stored,
		UpdatedAt:  now,
	}

	return now, nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
