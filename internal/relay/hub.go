package relay

import (
	"sync"

	"github.com/sanadflow/collab/internal/realtime"
)

// Hub manages connected clients and room-scoped broadcast fan-out.
type Hub struct {
	mu sync.RWMutex

	// clients maps client ID to client
	clients map[string]*Client

	// rooms maps room ID to set of client IDs
	rooms map[string]map[string]struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
}

// Unregister removes a client from the hub and its room, notifying the
// remaining room members that the client left.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()

	roomID := client.RoomID()
	if roomID != "" {
		h.removeFromRoomLocked(client.ID, roomID)
	}

	delete(h.clients, client.ID)
	h.mu.Unlock()

	if roomID != "" {
		h.Broadcast(roomID, realtime.Frame{
			Type:     realtime.FrameLeave,
			ClientID: client.ID,
		}, client.ID)
	}
}

// Join adds a client to a room's broadcast list and replays the tracked
// presence of the members already there, so a late joiner sees the current
// roster without waiting for the next awareness broadcast.
func (h *Hub) Join(client *Client, roomID string) {
	h.mu.Lock()

	oldRoomID := client.RoomID()
	if oldRoomID != "" && oldRoomID != roomID {
		h.removeFromRoomLocked(client.ID, oldRoomID)
	}

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}

	var replay []realtime.Frame

	for memberID := range h.rooms[roomID] {
		member, ok := h.clients[memberID]
		if !ok {
			continue
		}

		if presence := member.Presence(); presence != nil {
			replay = append(replay, realtime.Frame{
				Type:    realtime.FrameBroadcast,
				Event:   realtime.EventAwareness,
				Payload: presence,
			})
		}
	}

	h.rooms[roomID][client.ID] = struct{}{}
	client.SetRoomID(roomID)
	h.mu.Unlock()

	for _, frame := range replay {
		_ = client.Send(frame)
	}
}

// Leave removes a client from a room's broadcast list.
func (h *Hub) Leave(client *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomLocked(client.ID, roomID)

	if client.RoomID() == roomID {
		client.SetRoomID("")
	}
}

// removeFromRoomLocked drops a client id from a room, deleting the room
// when it empties. Callers must hold h.mu.
func (h *Hub) removeFromRoomLocked(clientID, roomID string) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, clientID)

		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Broadcast sends a frame to all clients in a room except the sender
// (identified by excludeClientID).
func (h *Hub) Broadcast(roomID string, frame realtime.Frame, excludeClientID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientIDs, ok := h.rooms[roomID]
	if !ok {
		return
	}

	for clientID := range clientIDs {
		if clientID == excludeClientID {
			continue
		}

		client, ok := h.clients[clientID]
		if !ok {
			continue
		}

		// Send in goroutine to avoid blocking on slow clients
		go func(c *Client) {
			_ = c.Send(frame)
		}(client)
	}
}

// ClientCount returns the number of clients joined to a room.
func (h *Hub) ClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if members, ok := h.rooms[roomID]; ok {
		return len(members)
	}

	return 0
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
