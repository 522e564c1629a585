// Package realtime synchronizes a replicated document across all clients
// subscribed to the same room on a broadcast transport. A Provider owns the
// connection state machine, batches outbound update deltas, merges inbound
// ones, and keeps an ephemeral presence directory of the room's members.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanadflow/collab/internal/awareness"
	"github.com/sanadflow/collab/internal/codec"
	"github.com/sanadflow/collab/internal/crdt"
)

// Status is the provider's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Defaults for ProviderConfig.
const (
	DefaultBatchInterval        = 100 * time.Millisecond
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectBaseDelay   = time.Second
	DefaultSweepInterval        = 5 * time.Second
	DefaultStaleThreshold       = 10 * time.Second

	maxReconnectDelay = 30 * time.Second
	maxJitter         = time.Second
)

// ErrMaxReconnects is emitted on the error stream when the reconnect budget
// is exhausted and the provider enters StatusFailed.
var ErrMaxReconnects = errors.New("max reconnection attempts reached")

// ProviderConfig holds configuration for creating a Provider.
type ProviderConfig struct {
	RoomID   string
	Document *crdt.Document

	// Channels opens room channels on the broadcast transport.
	Channels ChannelFactory

	// Awareness is the presence directory to sync. Created internally
	// when nil.
	Awareness *awareness.State

	// ClientID identifies this connection in broadcasts and presence.
	// A random id is generated when empty. The id stays stable across
	// reconnects so server-side presence is continuous; the staleness
	// sweep covers entries orphaned by an unclean disconnect.
	ClientID string

	BatchInterval        time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	SweepInterval        time.Duration
	StaleThreshold       time.Duration

	Logger *slog.Logger
}

// Provider keeps one document in sync with the other members of a room.
//
// Lifecycle: construction opens the room subscription and the provider moves
// through connecting → connected. Transport failures drive reconnecting with
// capped exponential backoff and jitter; exhausting the budget lands in
// failed, the only state that needs user-visible surfacing. Destroy always
// ends in disconnected.
type Provider struct {
	roomID   string
	clientID string
	doc      *crdt.Document
	aw       *awareness.State
	channels ChannelFactory
	logger   *slog.Logger

	batchInterval  time.Duration
	maxAttempts    int
	baseDelay      time.Duration
	sweepInterval  time.Duration
	staleThreshold time.Duration

	// Test seams; default to time.AfterFunc and random jitter.
	afterFunc func(d time.Duration, f func()) *time.Timer
	jitter    func() time.Duration

	mu                sync.Mutex
	status            Status
	synced            bool
	destroyed         bool
	channel           Channel
	pendingUpdates    [][]byte
	batchTimer        *time.Timer
	reconnectTimer    *time.Timer
	reconnectAttempts int

	nextSubID        int
	statusListeners  map[int]func(Status)
	syncedListeners  map[int]func()
	errorListeners   map[int]func(error)
	presenceListener map[int]func([]awareness.Presence)

	docSub    int
	awSub     int
	sweepDone chan struct{}
}

// NewProvider creates a provider and immediately opens the room
// subscription.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Document == nil {
		return nil, fmt.Errorf("provider requires a document")
	}

	if cfg.Channels == nil {
		return nil, fmt.Errorf("provider requires a channel factory")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}

	aw := cfg.Awareness
	if aw == nil {
		aw = awareness.New(clientID)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		roomID:         cfg.RoomID,
		clientID:       clientID,
		doc:            cfg.Document,
		aw:             aw,
		channels:       cfg.Channels,
		logger:         logger.With("component", "realtime", "room", cfg.RoomID),
		batchInterval:  orDefault(cfg.BatchInterval, DefaultBatchInterval),
		maxAttempts:    orDefaultInt(cfg.MaxReconnectAttempts, DefaultMaxReconnectAttempts),
		baseDelay:      orDefault(cfg.ReconnectBaseDelay, DefaultReconnectBaseDelay),
		sweepInterval:  orDefault(cfg.SweepInterval, DefaultSweepInterval),
		staleThreshold: orDefault(cfg.StaleThreshold, DefaultStaleThreshold),

		afterFunc: time.AfterFunc,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},

		status:           StatusConnecting,
		statusListeners:  make(map[int]func(Status)),
		syncedListeners:  make(map[int]func()),
		errorListeners:   make(map[int]func(error)),
		presenceListener: make(map[int]func([]awareness.Presence)),
		sweepDone:        make(chan struct{}),
	}

	p.docSub = p.doc.Subscribe(p.handleDocUpdate)
	p.awSub = p.aw.Subscribe(p.emitPresence)

	go p.sweepLoop()

	p.connect()

	return p, nil
}

// Status returns the current connection state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

// Synced reports whether the initial sync handshake has completed.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.synced
}

// ClientID returns this connection's stable client id.
func (p *Provider) ClientID() string {
	return p.clientID
}

// GetOnlineUsers returns a snapshot of the room's presence directory,
// deduplicated by user.
func (p *Provider) GetOnlineUsers() []awareness.Presence {
	return p.aw.Online()
}

// UpdatePresence merges the supplied fields into the local presence entry
// and publishes it to the room. Silently does nothing unless connected.
func (p *Provider) UpdatePresence(partial awareness.Presence) {
	if p.Status() != StatusConnected {
		return
	}

	merged, _ := p.aw.Local()

	if partial.UserID != "" {
		merged.UserID = partial.UserID
	}

	if partial.DisplayName != "" {
		merged.DisplayName = partial.DisplayName
	}

	if partial.AvatarURL != "" {
		merged.AvatarURL = partial.AvatarURL
	}

	if partial.Color != "" {
		merged.Color = partial.Color
	}

	if partial.Cursor != nil {
		merged.Cursor = partial.Cursor
	}

	p.aw.SetLocal(merged)
	p.publishAwareness()
}

// OnStatus registers a status listener and returns a token for OffStatus.
func (p *Provider) OnStatus(fn func(Status)) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSubID++
	p.statusListeners[p.nextSubID] = fn

	return p.nextSubID
}

// OffStatus removes a status listener.
func (p *Provider) OffStatus(token int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.statusListeners, token)
}

// OnSynced registers a listener for the one-time synced event.
func (p *Provider) OnSynced(fn func()) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSubID++
	p.syncedListeners[p.nextSubID] = fn

	return p.nextSubID
}

// OffSynced removes a synced listener.
func (p *Provider) OffSynced(token int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.syncedListeners, token)
}

// OnError registers an error listener.
func (p *Provider) OnError(fn func(error)) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSubID++
	p.errorListeners[p.nextSubID] = fn

	return p.nextSubID
}

// OffError removes an error listener.
func (p *Provider) OffError(token int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.errorListeners, token)
}

// OnPresence registers a listener for presence directory changes.
func (p *Provider) OnPresence(fn func([]awareness.Presence)) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSubID++
	p.presenceListener[p.nextSubID] = fn

	return p.nextSubID
}

// OffPresence removes a presence listener.
func (p *Provider) OffPresence(token int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.presenceListener, token)
}

// FlushUpdates force-sends any batched-but-undelivered local deltas.
func (p *Provider) FlushUpdates() {
	p.flushPendingUpdates()
}

// Reconnect manually restarts the connection, resetting the backoff state.
// No-op after Destroy.
func (p *Provider) Reconnect() {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()

		return
	}

	p.reconnectAttempts = 0

	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}

	old := p.channel
	p.channel = nil
	p.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	p.connect()
}

// Destroy tears the provider down: cancels timers, flushes queued updates
// best-effort, detaches document and awareness listeners, unsubscribes the
// channel, clears listener registries, and forces StatusDisconnected.
// Idempotent and callable from any state.
func (p *Provider) Destroy() {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()

		return
	}

	p.destroyed = true

	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}

	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}

	close(p.sweepDone)

	pending := p.pendingUpdates
	p.pendingUpdates = nil
	connected := p.status == StatusConnected
	ch := p.channel
	p.channel = nil
	p.mu.Unlock()

	// Best-effort final broadcast of anything still queued.
	if connected && len(pending) > 0 && ch != nil {
		if err := p.sendUpdate(ch, codec.MergeDeltas(pending)); err != nil {
			p.logger.Warn("final flush failed", "error", err)
		}
	}

	p.doc.Unsubscribe(p.docSub)
	p.aw.Unsubscribe(p.awSub)

	if ch != nil {
		ch.Unsubscribe()
	}

	p.mu.Lock()
	p.statusListeners = make(map[int]func(Status))
	p.syncedListeners = make(map[int]func())
	p.errorListeners = make(map[int]func(error))
	p.presenceListener = make(map[int]func([]awareness.Presence))
	p.status = StatusDisconnected
	p.mu.Unlock()
}

func (p *Provider) connect() {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()

		return
	}
	p.mu.Unlock()

	p.setStatus(StatusConnecting)

	ch, err := p.channels(p.roomID, p.clientID)
	if err != nil {
		p.logger.Warn("channel open failed", "error", err)
		p.handleConnectionError()

		return
	}

	ch.OnBroadcast(p.handleEnvelope)
	ch.OnLeave(p.handleLeave)

	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()
		ch.Unsubscribe()

		return
	}

	p.channel = ch
	p.mu.Unlock()

	ch.Subscribe(func(state SubscribeState) {
		p.handleChannelState(ch, state)
	})
}

// handleChannelState reacts to lifecycle reports from the channel that owns
// them. Reports from a channel that has since been replaced are dropped: a
// torn-down connection's read loop can report CLOSED after the reconnect
// already subscribed its successor, and that report must not touch the
// state machine.
func (p *Provider) handleChannelState(ch Channel, state SubscribeState) {
	p.mu.Lock()
	stale := p.destroyed || p.channel != ch
	p.mu.Unlock()

	if stale {
		return
	}

	switch state {
	case ChannelSubscribed:
		p.mu.Lock()
		p.reconnectAttempts = 0
		p.mu.Unlock()

		p.setStatus(StatusConnected)
		p.syncInitialState()

		p.mu.Lock()
		first := !p.synced
		p.synced = true
		listeners := make([]func(), 0, len(p.syncedListeners))

		if first {
			for _, fn := range p.syncedListeners {
				listeners = append(listeners, fn)
			}
		}
		p.mu.Unlock()

		for _, fn := range listeners {
			fn()
		}

		// Deltas queued while the connection was down go out now.
		p.flushPendingUpdates()

	case ChannelErrored, ChannelTimedOut:
		p.handleConnectionError()

	case ChannelClosed:
		p.setStatus(StatusDisconnected)
	}
}

// syncInitialState runs the handshake after every successful subscribe:
// announce our state vector so diverged peers push their missing changes,
// and publish local presence if the caller has set any.
func (p *Provider) syncInitialState() {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()

	if ch == nil {
		return
	}

	env, err := EncodeEnvelope(SyncRequestMessage{
		StateVector: codec.EncodeString(p.doc.StateVector()),
		ClientID:    p.clientID,
	})
	if err == nil {
		if err := ch.Send(env); err != nil {
			p.logger.Warn("sync-request send failed", "error", err)
		}
	}

	if _, ok := p.aw.Local(); ok {
		p.publishAwareness()
	}
}

func (p *Provider) handleConnectionError() {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()

		return
	}

	p.reconnectAttempts++
	attempt := p.reconnectAttempts

	if attempt > p.maxAttempts {
		ch := p.channel
		p.channel = nil
		p.mu.Unlock()

		// Tear the last channel down so its read loop cannot keep feeding
		// the exhausted state machine.
		if ch != nil {
			ch.Unsubscribe()
		}

		p.setStatus(StatusFailed)
		p.emitError(ErrMaxReconnects)

		return
	}

	delay := backoffDelay(p.baseDelay, attempt) + p.jitter()

	p.reconnectTimer = p.afterFunc(delay, p.retryConnect)
	p.mu.Unlock()

	p.setStatus(StatusReconnecting)

	p.logger.Info("reconnecting",
		"attempt", attempt, "max_attempts", p.maxAttempts, "delay", delay)
}

func (p *Provider) retryConnect() {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()

		return
	}

	p.reconnectTimer = nil
	old := p.channel
	p.channel = nil
	p.mu.Unlock()

	// The channel is recreated from scratch; the client id is reused on
	// purpose so peers see one continuous presence across the reconnect.
	if old != nil {
		old.Unsubscribe()
	}

	p.connect()
}

// backoffDelay computes min(base * 2^(attempt-1), maxReconnectDelay).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}

	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}

	return delay
}

// handleDocUpdate queues local-origin deltas for batched broadcast. Remote
// and persistence origins are ignored, which is what breaks echo loops.
func (p *Provider) handleDocUpdate(delta []byte, origin crdt.Origin) {
	if origin != crdt.OriginLocal {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed || p.status != StatusConnected {
		return
	}

	p.pendingUpdates = append(p.pendingUpdates, delta)

	if p.batchTimer == nil {
		p.batchTimer = p.afterFunc(p.batchInterval, p.flushPendingUpdates)
	}
}

func (p *Provider) flushPendingUpdates() {
	p.mu.Lock()

	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}

	if len(p.pendingUpdates) == 0 || p.status != StatusConnected || p.channel == nil {
		p.mu.Unlock()

		return
	}

	pending := p.pendingUpdates
	p.pendingUpdates = nil
	ch := p.channel
	p.mu.Unlock()

	if err := p.sendUpdate(ch, codec.MergeDeltas(pending)); err != nil {
		p.logger.Warn("update broadcast failed", "error", err)
		p.emitError(err)
	}
}

func (p *Provider) sendUpdate(ch Channel, delta []byte) error {
	env, err := EncodeEnvelope(UpdateMessage{
		Update:    codec.EncodeString(delta),
		ClientID:  p.clientID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	return ch.Send(env)
}

func (p *Provider) publishAwareness() {
	p.mu.Lock()
	ch := p.channel
	connected := p.status == StatusConnected
	p.mu.Unlock()

	if ch == nil || !connected {
		return
	}

	msg := AwarenessMessage{
		Update:   codec.EncodeString(p.aw.EncodeUpdate()),
		ClientID: p.clientID,
	}

	env, err := EncodeEnvelope(msg)
	if err != nil {
		return
	}

	if err := ch.Send(env); err != nil {
		p.logger.Warn("awareness broadcast failed", "error", err)
	}

	if payload, err := json.Marshal(msg); err == nil {
		if err := ch.Track(payload); err != nil {
			p.logger.Warn("presence track failed", "error", err)
		}
	}
}

func (p *Provider) handleEnvelope(env Envelope) {
	msg, err := DecodeMessage(env)
	if err != nil {
		p.logger.Warn("dropping malformed broadcast", "event", env.Event, "error", err)

		return
	}

	switch m := msg.(type) {
	case UpdateMessage:
		if m.ClientID == p.clientID {
			return // own broadcast echoed back
		}

		delta, err := codec.DecodeString(m.Update)
		if err != nil {
			p.logger.Warn("dropping undecodable update", "from", m.ClientID, "error", err)

			return
		}

		if err := p.doc.MergeRemoteUpdate(delta); err != nil {
			p.logger.Warn("dropping unmergeable update", "from", m.ClientID, "error", err)
			p.emitError(err)
		}

	case AwarenessMessage:
		if m.ClientID == p.clientID {
			return
		}

		raw, err := codec.DecodeString(m.Update)
		if err != nil {
			p.logger.Warn("dropping undecodable awareness update", "from", m.ClientID, "error", err)

			return
		}

		if err := p.aw.ApplyUpdate(raw); err != nil {
			p.logger.Warn("dropping unmergeable awareness update", "from", m.ClientID, "error", err)
		}

	case SyncRequestMessage:
		if m.ClientID == p.clientID {
			return
		}

		p.handleSyncRequest(m)
	}
}

// handleSyncRequest answers a peer's state-vector announcement. When the
// vectors differ the peer is missing changes we hold (or vice versa), so we
// push our full state; merging is idempotent, so over-sending is safe.
func (p *Provider) handleSyncRequest(m SyncRequestMessage) {
	remoteVector, err := codec.DecodeString(m.StateVector)
	if err != nil {
		p.logger.Warn("dropping malformed sync-request", "from", m.ClientID, "error", err)

		return
	}

	if codec.StateVectorsEqual(remoteVector, p.doc.StateVector()) {
		return
	}

	p.mu.Lock()
	ch := p.channel
	connected := p.status == StatusConnected
	p.mu.Unlock()

	if ch == nil || !connected {
		return
	}

	if err := p.sendUpdate(ch, p.doc.EncodeSnapshot()); err != nil {
		p.logger.Warn("sync response failed", "to", m.ClientID, "error", err)
	}
}

func (p *Provider) handleLeave(clientID string) {
	p.aw.Remove(clientID)
}

func (p *Provider) setStatus(status Status) {
	p.mu.Lock()

	if p.status == status {
		p.mu.Unlock()

		return
	}

	p.status = status

	listeners := make([]func(Status), 0, len(p.statusListeners))
	for _, fn := range p.statusListeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (p *Provider) emitError(err error) {
	p.mu.Lock()
	listeners := make([]func(error), 0, len(p.errorListeners))

	for _, fn := range p.errorListeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

func (p *Provider) emitPresence(users []awareness.Presence) {
	p.mu.Lock()
	listeners := make([]func([]awareness.Presence), 0, len(p.presenceListener))

	for _, fn := range p.presenceListener {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(users)
	}
}

// sweepLoop periodically expires presence entries whose owners stopped
// refreshing them, compensating for client-id continuity across reconnects.
func (p *Provider) sweepLoop() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := p.aw.Sweep(p.staleThreshold); removed > 0 {
				p.logger.Debug("swept stale presence entries", "removed", removed)
			}
		case <-p.sweepDone:
			return
		}
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}

	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}
