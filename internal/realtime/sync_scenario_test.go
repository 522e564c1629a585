package realtime_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sanadflow/collab/internal/awareness"
	"github.com/sanadflow/collab/internal/crdt"
	"github.com/sanadflow/collab/internal/realtime"
)

// memoryBus is an in-memory broadcast transport for multi-client tests.
// It deliberately delivers every broadcast to ALL room members, including
// the sender, to exercise the provider's own-client-id echo guard.
type memoryBus struct {
	mu    sync.Mutex
	rooms map[string][]*busChannel
}

func newMemoryBus() *memoryBus {
	return &memoryBus{rooms: make(map[string][]*busChannel)}
}

func (b *memoryBus) factory(roomID, clientID string) (realtime.Channel, error) {
	return &busChannel{bus: b, roomID: roomID, clientID: clientID}, nil
}

func (b *memoryBus) broadcast(roomID string, env realtime.Envelope) {
	b.mu.Lock()
	members := make([]*busChannel, len(b.rooms[roomID]))
	copy(members, b.rooms[roomID])
	b.mu.Unlock()

	for _, member := range members {
		member.receive(env)
	}
}

func (b *memoryBus) leave(ch *busChannel) {
	b.mu.Lock()

	members := b.rooms[ch.roomID]
	for i, member := range members {
		if member == ch {
			b.rooms[ch.roomID] = append(members[:i], members[i+1:]...)

			break
		}
	}

	remaining := make([]*busChannel, len(b.rooms[ch.roomID]))
	copy(remaining, b.rooms[ch.roomID])
	b.mu.Unlock()

	for _, member := range remaining {
		member.notifyLeave(ch.clientID)
	}
}

type busChannel struct {
	bus      *memoryBus
	roomID   string
	clientID string

	mu          sync.Mutex
	onBroadcast func(realtime.Envelope)
	onLeave     func(string)
	joined      bool
}

func (c *busChannel) OnBroadcast(handler func(realtime.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onBroadcast = handler
}

func (c *busChannel) OnLeave(handler func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onLeave = handler
}

func (c *busChannel) Subscribe(onState func(realtime.SubscribeState)) {
	c.bus.mu.Lock()
	c.bus.rooms[c.roomID] = append(c.bus.rooms[c.roomID], c)
	c.bus.mu.Unlock()

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	onState(realtime.ChannelSubscribed)
}

func (c *busChannel) Send(env realtime.Envelope) error {
	c.bus.broadcast(c.roomID, env)

	return nil
}

func (c *busChannel) Track(json.RawMessage) error {
	return nil
}

func (c *busChannel) Unsubscribe() {
	c.mu.Lock()

	if !c.joined {
		c.mu.Unlock()

		return
	}

	c.joined = false
	c.mu.Unlock()

	c.bus.leave(c)
}

func (c *busChannel) receive(env realtime.Envelope) {
	c.mu.Lock()
	handler := c.onBroadcast
	c.mu.Unlock()

	if handler != nil {
		handler(env)
	}
}

func (c *busChannel) notifyLeave(clientID string) {
	c.mu.Lock()
	handler := c.onLeave
	c.mu.Unlock()

	if handler != nil {
		handler(clientID)
	}
}

func newBusProvider(t *testing.T, bus *memoryBus, clientID string, doc *crdt.Document) *realtime.Provider {
	t.Helper()

	provider, err := realtime.NewProvider(realtime.ProviderConfig{
		RoomID:        "scenario",
		Document:      doc,
		Channels:      bus.factory,
		ClientID:      clientID,
		BatchInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(provider.Destroy)

	return provider
}

func TestScenario_ConcurrentEditsConverge(t *testing.T) {
	t.Parallel()

	bus := newMemoryBus()

	docA := crdt.New()
	docB := crdt.New()

	providerA := newBusProvider(t, bus, "client-a", docA)
	providerB := newBusProvider(t, bus, "client-b", docB)

	require.Equal(t, realtime.StatusConnected, providerA.Status())
	require.Equal(t, realtime.StatusConnected, providerB.Status())

	// Both clients edit position 0 concurrently, before seeing each
	// other's delta.
	require.NoError(t, docA.InsertText(0, "hello"))
	require.NoError(t, docB.InsertText(0, "world"))

	providerA.FlushUpdates()
	providerB.FlushUpdates()

	require.Eventually(t, func() bool {
		textA, errA := docA.Text()
		textB, errB := docB.Text()

		return errA == nil && errB == nil && len(textA) == 10 && textA == textB
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScenario_EchoedBroadcastNotReapplied(t *testing.T) {
	t.Parallel()

	bus := newMemoryBus()

	doc := crdt.New()
	provider := newBusProvider(t, bus, "client-a", doc)

	require.NoError(t, doc.InsertText(0, "once"))
	provider.FlushUpdates()

	// The bus echoes the broadcast back to the sender; the client-id
	// filter must discard it.
	require.Eventually(t, func() bool {
		text, err := doc.Text()

		return err == nil && text == "once"
	}, time.Second, 5*time.Millisecond)

	text, err := doc.Text()
	require.NoError(t, err)
	require.Equal(t, "once", text)
}

func TestScenario_LateJoinerCatchesUpViaSyncRequest(t *testing.T) {
	t.Parallel()

	bus := newMemoryBus()

	docA := crdt.New()
	providerA := newBusProvider(t, bus, "client-a", docA)
	require.Equal(t, realtime.StatusConnected, providerA.Status())

	require.NoError(t, docA.InsertText(0, "written before b joined"))
	providerA.FlushUpdates()

	// B joins afterwards; its handshake sync-request announces an empty
	// state vector, and A answers with its full state.
	docB := crdt.New()
	newBusProvider(t, bus, "client-b", docB)

	require.Eventually(t, func() bool {
		text, err := docB.Text()

		return err == nil && text == "written before b joined"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScenario_PresencePropagatesAndClearsOnLeave(t *testing.T) {
	t.Parallel()

	bus := newMemoryBus()

	providerA := newBusProvider(t, bus, "client-a", crdt.New())
	providerB := newBusProvider(t, bus, "client-b", crdt.New())

	providerA.UpdatePresence(awareness.Presence{UserID: "u1", DisplayName: "Amina", Color: "#f00"})

	require.Eventually(t, func() bool {
		users := providerB.GetOnlineUsers()

		return len(users) == 1 && users[0].DisplayName == "Amina"
	}, time.Second, 5*time.Millisecond)

	providerA.Destroy()

	require.Eventually(t, func() bool {
		return len(providerB.GetOnlineUsers()) == 0
	}, time.Second, 5*time.Millisecond)
}
