// Package awareness tracks ephemeral per-user state (cursor, display name,
// color) for a collaborative session. Unlike document content it is never
// persisted: entries live in memory, replicate over the same broadcast
// transport, and expire when their owner disconnects or goes stale.
//
// Each entry carries a per-client logical clock; merging keeps the entry
// with the higher clock, which makes updates commutative and idempotent
// the same way document deltas are.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Cursor is a text selection range in the shared document.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Presence is the transient per-user info shown in collaboration UI.
type Presence struct {
	UserID       string  `json:"userId"`
	DisplayName  string  `json:"displayName"`
	AvatarURL    string  `json:"avatarUrl,omitempty"`
	Color        string  `json:"color"`
	Cursor       *Cursor `json:"cursor,omitempty"`
	LastActiveAt int64   `json:"lastActiveAt"` // unix milliseconds
}

type entry struct {
	Presence Presence `json:"presence"`
	Clock    int64    `json:"clock"`
}

// Handler receives the deduplicated online-user list after every change.
type Handler func(users []Presence)

// State is the replicated presence directory for one session. The zero
// value is not usable; construct with New.
type State struct {
	mu       sync.Mutex
	clientID string
	clock    int64
	entries  map[string]entry

	nextSubID int
	handlers  map[int]Handler
}

// New creates an empty presence directory owned by the given client id.
func New(clientID string) *State {
	return &State{
		clientID: clientID,
		entries:  make(map[string]entry),
		handlers: make(map[int]Handler),
	}
}

// ClientID returns the owning connection's client id.
func (s *State) ClientID() string {
	return s.clientID
}

// Subscribe registers a handler invoked after every change to the
// directory. Returns a token for Unsubscribe.
func (s *State) Subscribe(handler Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	s.handlers[s.nextSubID] = handler

	return s.nextSubID
}

// Unsubscribe removes a handler. Unknown tokens are ignored.
func (s *State) Unsubscribe(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handlers, token)
}

// SetLocal replaces the local client's presence entry, stamping it with a
// fresh activity timestamp and the next logical clock value.
func (s *State) SetLocal(p Presence) {
	s.mu.Lock()

	s.clock++
	p.LastActiveAt = time.Now().UnixMilli()
	s.entries[s.clientID] = entry{Presence: p, Clock: s.clock}

	handlers, users := s.snapshotLocked()
	s.mu.Unlock()

	notify(handlers, users)
}

// Local returns the local client's current presence entry, if set.
func (s *State) Local() (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[s.clientID]

	return e.Presence, ok
}

// EncodeUpdate serializes the full directory for broadcast.
func (s *State) EncodeUpdate() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(s.entries)
	if err != nil {
		// Entries are plain data; marshalling cannot fail in practice.
		return []byte("{}")
	}

	return raw
}

// ApplyUpdate merges a remote directory update. Entries win by higher
// clock; the local entry is never overwritten by a peer. Returns an error
// only for malformed bytes.
func (s *State) ApplyUpdate(raw []byte) error {
	var incoming map[string]entry
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return fmt.Errorf("malformed awareness update: %w", err)
	}

	s.mu.Lock()

	changed := false

	for clientID, in := range incoming {
		if clientID == s.clientID {
			continue
		}

		current, ok := s.entries[clientID]
		if !ok || in.Clock > current.Clock {
			s.entries[clientID] = in
			changed = true
		}
	}

	if !changed {
		s.mu.Unlock()

		return nil
	}

	handlers, users := s.snapshotLocked()
	s.mu.Unlock()

	notify(handlers, users)

	return nil
}

// Remove drops a client's entry, e.g. when its connection leaves the room.
func (s *State) Remove(clientID string) {
	s.mu.Lock()

	if _, ok := s.entries[clientID]; !ok {
		s.mu.Unlock()

		return
	}

	delete(s.entries, clientID)

	handlers, users := s.snapshotLocked()
	s.mu.Unlock()

	notify(handlers, users)
}

// Sweep removes remote entries whose last activity is older than threshold,
// and returns how many were dropped. The local entry is exempt.
func (s *State) Sweep(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold).UnixMilli()

	s.mu.Lock()

	removed := 0

	for clientID, e := range s.entries {
		if clientID == s.clientID {
			continue
		}

		if e.Presence.LastActiveAt < cutoff {
			delete(s.entries, clientID)
			removed++
		}
	}

	if removed == 0 {
		s.mu.Unlock()

		return 0
	}

	handlers, users := s.snapshotLocked()
	s.mu.Unlock()

	notify(handlers, users)

	return removed
}

// Online returns the current directory as a deduplicated user list: one
// entry per user id, keeping the most recently active connection. Sorted
// by user id for stable rendering.
func (s *State) Online() []Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, users := s.snapshotLocked()

	return users
}

// snapshotLocked copies the handler list and computes the deduplicated
// online list. Callers must hold s.mu.
func (s *State) snapshotLocked() ([]Handler, []Presence) {
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}

	byUser := make(map[string]Presence, len(s.entries))

	for _, e := range s.entries {
		current, ok := byUser[e.Presence.UserID]
		if !ok || e.Presence.LastActiveAt > current.LastActiveAt {
			byUser[e.Presence.UserID] = e.Presence
		}
	}

	users := make([]Presence, 0, len(byUser))
	for _, p := range byUser {
		users = append(users, p)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})

	return handlers, users
}

func notify(handlers []Handler, users []Presence) {
	for _, h := range handlers {
		h(users)
	}
}
