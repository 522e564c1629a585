package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameType identifies the kind of websocket frame exchanged with the relay.
type FrameType string

const (
	// FrameBroadcast carries a room broadcast envelope in either direction.
	FrameBroadcast FrameType = "broadcast"

	// FramePresence carries a client's tracked presence payload to the
	// relay, which replays it to clients joining the room later.
	FramePresence FrameType = "presence"

	// FrameLeave is sent by the relay when a room member disconnects.
	FrameLeave FrameType = "leave"
)

// Frame is the websocket wire envelope between clients and the relay.
type Frame struct {
	Type     FrameType       `json:"type"`
	Event    EventType       `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

const dialTimeout = 10 * time.Second

// WebSocketChannel is a Channel over a websocket connection to the relay
// server's /realtime endpoint.
type WebSocketChannel struct {
	endpoint string

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	onBroadcast func(Envelope)
	onLeave     func(clientID string)
}

// NewWebSocketChannelFactory returns a ChannelFactory dialing the relay at
// baseURL (e.g. "ws://127.0.0.1:8080").
func NewWebSocketChannelFactory(baseURL string) (ChannelFactory, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}

	return func(roomID, clientID string) (Channel, error) {
		endpoint := parsed.JoinPath("realtime")
		endpoint.RawQuery = url.Values{
			"room":     {roomID},
			"clientId": {clientID},
		}.Encode()

		return &WebSocketChannel{endpoint: endpoint.String()}, nil
	}, nil
}

// OnBroadcast registers the handler for incoming room broadcasts.
func (c *WebSocketChannel) OnBroadcast(handler func(env Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onBroadcast = handler
}

// OnLeave registers the handler for peers leaving the room.
func (c *WebSocketChannel) OnLeave(handler func(clientID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onLeave = handler
}

// Subscribe dials the relay and starts the read loop. Lifecycle transitions
// are reported through onState.
func (c *WebSocketChannel) Subscribe(onState func(state SubscribeState)) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	conn, _, err := dialer.Dial(c.endpoint, nil)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			onState(ChannelTimedOut)
		} else {
			onState(ChannelErrored)
		}

		return
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		onState(ChannelClosed)

		return
	}

	c.conn = conn
	c.mu.Unlock()

	onState(ChannelSubscribed)

	go c.readLoop(conn, onState)
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn, onState func(state SubscribeState)) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()

			if closed {
				onState(ChannelClosed)
			} else {
				onState(ChannelErrored)
			}

			return
		}

		c.mu.Lock()
		onBroadcast := c.onBroadcast
		onLeave := c.onLeave
		c.mu.Unlock()

		switch frame.Type {
		case FrameBroadcast:
			if onBroadcast != nil {
				onBroadcast(Envelope{Event: frame.Event, Payload: frame.Payload})
			}
		case FrameLeave:
			if onLeave != nil && frame.ClientID != "" {
				onLeave(frame.ClientID)
			}
		default:
			// Unknown frame types are ignored.
		}
	}
}

// Send broadcasts an envelope to the room.
func (c *WebSocketChannel) Send(env Envelope) error {
	return c.write(Frame{Type: FrameBroadcast, Event: env.Event, Payload: env.Payload})
}

// Track publishes the presence payload through the relay's presence
// sub-protocol.
func (c *WebSocketChannel) Track(payload json.RawMessage) error {
	return c.write(Frame{Type: FramePresence, Payload: payload})
}

func (c *WebSocketChannel) write(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return fmt.Errorf("channel is not subscribed")
	}

	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}

	return nil
}

// Unsubscribe closes the connection. Idempotent.
func (c *WebSocketChannel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Ensure WebSocketChannel implements Channel.
var _ Channel = (*WebSocketChannel)(nil)
