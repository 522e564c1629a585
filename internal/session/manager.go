package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sanadflow/collab/internal/persist"
	"github.com/sanadflow/collab/internal/realtime"
)

// Manager manages sessions for multiple documents, one per document ID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// Shared dependencies
	store    persist.Store
	channels realtime.ChannelFactory
	logger   *slog.Logger

	saveInterval  time.Duration
	batchInterval time.Duration
}

// ManagerConfig holds configuration for creating a manager.
type ManagerConfig struct {
	Store    persist.Store
	Channels realtime.ChannelFactory

	SaveInterval  time.Duration
	BatchInterval time.Duration

	Logger *slog.Logger
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessions:      make(map[string]*Session),
		store:         cfg.Store,
		channels:      cfg.Channels,
		logger:        logger,
		saveInterval:  cfg.SaveInterval,
		batchInterval: cfg.BatchInterval,
	}
}

// GetOrCreateSession returns the open session for a document, creating and
// opening one on first use.
func (m *Manager) GetOrCreateSession(ctx context.Context, docID string) (*Session, error) {
	// Try read lock first
	m.mu.RLock()
	session, exists := m.sessions[docID]
	m.mu.RUnlock()

	if exists {
		return session, nil
	}

	// Need to create - acquire write lock
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if session, exists = m.sessions[docID]; exists {
		return session, nil
	}

	session = NewSession(SessionConfig{
		DocID:         docID,
		Store:         m.store,
		Channels:      m.channels,
		SaveInterval:  m.saveInterval,
		BatchInterval: m.batchInterval,
		Logger:        m.logger,
	})

	if err := session.Open(ctx); err != nil {
		return nil, err
	}

	m.sessions[docID] = session

	return session, nil
}

// GetSession returns an existing session or nil if not found.
func (m *Manager) GetSession(docID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessions[docID]
}

// CloseSession closes and removes a session.
func (m *Manager) CloseSession(ctx context.Context, docID string) error {
	m.mu.Lock()
	session, exists := m.sessions[docID]

	if !exists {
		m.mu.Unlock()

		return nil
	}

	delete(m.sessions, docID)
	m.mu.Unlock()

	return session.Close(ctx)
}

// CloseAll closes all sessions.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))

	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}

	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var lastErr error

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// SessionCount returns the number of active sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}
