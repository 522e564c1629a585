package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sanadflow/collab/internal/crdt"
	"github.com/sanadflow/collab/internal/persist"
	"github.com/sanadflow/collab/internal/realtime"
)

// Common errors.
var (
	ErrSessionClosed = errors.New("session is closed")
	ErrNotOpen       = errors.New("session is not open")
)

// Session coordinates collaborative editing for a single document.
// It wires together the replicated document, durable persistence, and
// the realtime transport.
type Session struct {
	docID string

	mu       sync.RWMutex
	provider *realtime.Provider
	closed   bool

	document *crdt.Document
	adapter  *persist.Adapter

	// Dependencies
	channels realtime.ChannelFactory
	clientID string
	logger   *slog.Logger

	batchInterval time.Duration
}

// SessionConfig holds configuration for creating a session.
type SessionConfig struct {
	DocID    string
	Store    persist.Store
	Channels realtime.ChannelFactory

	// ClientID identifies this session on the realtime transport. A random
	// id is generated when empty.
	ClientID string

	SaveInterval  time.Duration
	BatchInterval time.Duration

	Logger *slog.Logger
}

// NewSession creates a new collaborative editing session. The session owns
// its document; call Open to hydrate it and go online.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	doc := crdt.New()

	return &Session{
		docID:    cfg.DocID,
		document: doc,
		adapter: persist.NewAdapter(persist.AdapterConfig{
			DocumentID:   cfg.DocID,
			Document:     doc,
			Store:        cfg.Store,
			SaveInterval: cfg.SaveInterval,
			Logger:       logger,
		}),
		channels:      cfg.Channels,
		clientID:      cfg.ClientID,
		logger:        logger.With("doc", cfg.DocID),
		batchInterval: cfg.BatchInterval,
	}
}

// Open hydrates the document from the last durable snapshot and then joins
// the document's realtime room. Loading before connecting means late edits
// from other members arrive as increments on top of the snapshot rather
// than racing the hydration.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if s.provider != nil {
		return nil
	}

	if err := s.adapter.Load(ctx); err != nil {
		return err
	}

	provider, err := realtime.NewProvider(realtime.ProviderConfig{
		RoomID:        s.docID,
		Document:      s.document,
		Channels:      s.channels,
		ClientID:      s.clientID,
		BatchInterval: s.batchInterval,
		Logger:        s.logger,
	})
	if err != nil {
		return err
	}

	s.provider = provider

	return nil
}

// Document returns the session's replicated document.
func (s *Session) Document() *crdt.Document {
	return s.document
}

// Provider returns the realtime provider, or nil before Open.
func (s *Session) Provider() *realtime.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.provider
}

// DocID returns the document ID for this session.
func (s *Session) DocID() string {
	return s.docID
}

// Save persists the current document state immediately.
func (s *Session) Save(ctx context.Context) error {
	s.mu.RLock()

	if s.closed {
		s.mu.RUnlock()

		return ErrSessionClosed
	}
	s.mu.RUnlock()

	return s.adapter.SaveNow(ctx)
}

// Close flushes outstanding broadcasts, saves a final snapshot, and tears
// the session down. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	provider := s.provider
	s.mu.Unlock()

	if provider != nil {
		provider.FlushUpdates()
		provider.Destroy()
	}

	err := s.adapter.SaveNow(ctx)
	s.adapter.Destroy()
	s.document.Close()

	if err != nil && !errors.Is(err, persist.ErrAdapterDestroyed) {
		return err
	}

	return nil
}
