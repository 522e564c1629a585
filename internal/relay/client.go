// Package relay implements the server side of the collaboration transport:
// room-scoped broadcast fan-out with a presence sub-protocol over WebSocket,
// and the HTTP snapshot API that backs document persistence.
package relay

import (
	"encoding/json"
	"sync"

	"github.com/sanadflow/collab/internal/realtime"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Client represents one connected collaborator.
type Client struct {
	ID   string
	conn Conn

	mu       sync.Mutex
	roomID   string
	presence json.RawMessage
}

// NewClient creates a new client wrapper.
func NewClient(id string, conn Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
	}
}

// Send writes a frame to the client.
func (c *Client) Send(frame realtime.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.WriteJSON(frame)
}

// Receive reads the next frame from the client.
func (c *Client) Receive() (realtime.Frame, error) {
	var frame realtime.Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return realtime.Frame{}, err
	}

	return frame, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RoomID returns the room the client is joined to.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.roomID
}

// SetRoomID records the room the client is joined to.
func (c *Client) SetRoomID(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roomID = roomID
}

// Presence returns the client's last tracked presence payload, if any.
func (c *Client) Presence() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.presence
}

// SetPresence stores the client's tracked presence payload for replay to
// later joiners.
func (c *Client) SetPresence(payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.presence = payload
}
