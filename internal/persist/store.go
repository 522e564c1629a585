// Package persist checkpoints replicated documents to durable storage.
// It provides the snapshot store contract, several store implementations,
// and the Adapter that debounces document updates into periodic saves.
package persist

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrSnapshotNotFound means no snapshot exists for the document yet.
	// Callers treat this as "fresh document", not a failure.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrLoad wraps a non-not-found failure while fetching a snapshot.
	ErrLoad = errors.New("snapshot load failed")

	// ErrSave wraps a failure while writing a snapshot.
	ErrSave = errors.New("snapshot save failed")

	// ErrAdapterDestroyed reports use of an adapter after Destroy.
	ErrAdapterDestroyed = errors.New("persistence adapter destroyed")
)

// Snapshot is a durable full-state capture of one document. There is
// exactly one snapshot per document id; saving replaces the previous one.
type Snapshot struct {
	DocumentID string
	State      []byte
	UpdatedAt  time.Time
}

// Store persists document snapshots keyed by document id with upsert
// semantics. Implementations must return ErrSnapshotNotFound (possibly
// wrapped) from LoadSnapshot when no snapshot exists.
type Store interface {
	// LoadSnapshot fetches the current snapshot for a document.
	LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error)

	// SaveSnapshot writes the snapshot for a document, replacing any
	// previous one, and returns the storage-assigned update time.
	SaveSnapshot(ctx context.Context, documentID string, state []byte) (time.Time, error)
}
