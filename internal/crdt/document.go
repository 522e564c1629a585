// Package crdt provides the replicated document state shared by every
// collaborative surface. A Document wraps a conflict-free mergeable state
// container: local edits produce update deltas, remote deltas merge in any
// order, and every mutation is announced to subscribers with an origin tag
// so that transport and persistence layers can tell their own writes apart.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
)

// Common errors.
var (
	// ErrDecode reports malformed update or snapshot bytes.
	ErrDecode = errors.New("malformed document bytes")

	// ErrDocumentClosed reports use of a document after Close.
	ErrDocumentClosed = errors.New("document is closed")
)

// Origin tags an update event with where the change came from.
type Origin int

const (
	// OriginLocal marks updates produced by a local edit.
	OriginLocal Origin = iota

	// OriginRemote marks updates merged from a peer over the transport.
	OriginRemote

	// OriginPersistence marks updates applied while hydrating from a snapshot.
	OriginPersistence
)

// String returns a human-readable origin name for logs.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// UpdateHandler receives every change applied to a document. The delta is the
// byte-encoded diff for the change; origin says who produced it. Handlers that
// forward deltas elsewhere must check the origin to avoid echo loops.
type UpdateHandler func(delta []byte, origin Origin)

// Document is a mergeable replicated document for one editing session.
//
// Merging is commutative and idempotent: deltas may arrive in any order and
// more than once without corrupting state. A Document is owned by exactly one
// session; the only way state crosses a session boundary is through encoded
// deltas and snapshots.
type Document struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	closed bool

	nextSubID int
	handlers  map[int]UpdateHandler
}

// New creates an empty document.
func New() *Document {
	return &Document{
		doc:      automerge.New(),
		handlers: make(map[int]UpdateHandler),
	}
}

// LoadSnapshot creates a document hydrated from a full-state snapshot.
func LoadSnapshot(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return &Document{
		doc:      doc,
		handlers: make(map[int]UpdateHandler),
	}, nil
}

// Subscribe registers a handler for update events and returns a token
// for Unsubscribe. Handlers run synchronously on the mutating goroutine,
// in no particular order relative to each other.
func (d *Document) Subscribe(handler UpdateHandler) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSubID++
	d.handlers[d.nextSubID] = handler

	return d.nextSubID
}

// Unsubscribe removes a previously registered handler. Unknown tokens
// are ignored.
func (d *Document) Unsubscribe(token int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.handlers, token)
}

// ApplyLocalEdit runs edit against the underlying state, commits the change,
// and notifies subscribers with the resulting delta tagged OriginLocal.
// If edit returns an error the transaction is not committed.
func (d *Document) ApplyLocalEdit(edit func(doc *automerge.Doc) error) error {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return ErrDocumentClosed
	}

	if err := edit(d.doc); err != nil {
		d.mu.Unlock()

		return err
	}

	if _, err := d.doc.Commit("", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		d.mu.Unlock()

		return fmt.Errorf("commit failed: %w", err)
	}

	delta := d.doc.SaveIncremental()
	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	if len(delta) == 0 {
		return nil
	}

	for _, h := range handlers {
		h(delta, OriginLocal)
	}

	return nil
}

// MergeRemoteUpdate merges a delta produced by a peer. Safe to call with
// deltas already reflected in the current state and in any arrival order.
// Subscribers are notified with OriginRemote so nothing re-broadcasts it.
func (d *Document) MergeRemoteUpdate(delta []byte) error {
	return d.merge(delta, OriginRemote)
}

// ApplySnapshot merges a durable snapshot into the current state, tagged
// OriginPersistence. Used when hydrating a session before it connects.
func (d *Document) ApplySnapshot(snapshot []byte) error {
	return d.merge(snapshot, OriginPersistence)
}

func (d *Document) merge(raw []byte, origin Origin) error {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return ErrDocumentClosed
	}

	if err := d.doc.LoadIncremental(raw); err != nil {
		d.mu.Unlock()

		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	handlers := d.snapshotHandlers()
	d.mu.Unlock()

	for _, h := range handlers {
		h(raw, origin)
	}

	return nil
}

// EncodeSnapshot returns the full-state encoding of the document, suitable
// for durable storage or bootstrapping a fresh replica.
func (d *Document) EncodeSnapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doc.Save()
}

// StateVector returns a compact fingerprint of which updates this replica
// has already incorporated. Two replicas with equal state vectors hold
// identical content; the fingerprint is only meaningful for comparison.
func (d *Document) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	heads := d.doc.Heads()
	parts := make([]string, 0, len(heads))

	for _, h := range heads {
		parts = append(parts, h.String())
	}

	sort.Strings(parts)

	return []byte(strings.Join(parts, ","))
}

// Close detaches all subscribers and marks the document unusable. Further
// edits or merges fail with ErrDocumentClosed. Idempotent.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.handlers = make(map[int]UpdateHandler)
}

// snapshotHandlers copies the handler list so callbacks run without the lock.
// Callers must hold d.mu.
func (d *Document) snapshotHandlers() []UpdateHandler {
	handlers := make([]UpdateHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}

	return handlers
}
