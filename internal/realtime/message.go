package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/sanadflow/collab/internal/codec"
)

// EventType identifies the kind of broadcast message in a room.
type EventType string

const (
	// EventUpdate carries a merged batch of document update deltas.
	EventUpdate EventType = "update"

	// EventAwareness carries an ephemeral presence/awareness update.
	EventAwareness EventType = "awareness"

	// EventSyncRequest announces a replica's state vector so peers can
	// detect divergence after joins and reconnects.
	EventSyncRequest EventType = "sync-request"
)

// Envelope is the wire form of one broadcast message: an event tag plus the
// raw payload for that event's message type.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// UpdateMessage broadcasts document deltas to the room.
type UpdateMessage struct {
	Update    string `json:"update"` // delta bytes in codec string form
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// AwarenessMessage broadcasts ephemeral presence state to the room.
type AwarenessMessage struct {
	Update   string `json:"update"` // awareness directory bytes in codec string form
	ClientID string `json:"clientId"`
}

// SyncRequestMessage announces the sender's state vector.
type SyncRequestMessage struct {
	StateVector string `json:"stateVector"` // fingerprint in codec string form
	ClientID    string `json:"clientId"`
}

// Message is the decoded form of an envelope: exactly one of the broadcast
// message kinds.
type Message interface {
	isMessage()
}

func (UpdateMessage) isMessage()      {}
func (AwarenessMessage) isMessage()   {}
func (SyncRequestMessage) isMessage() {}

// DecodeMessage validates an envelope at the transport boundary and returns
// its typed message. Unknown events, missing sender ids, and undecodable
// payloads are all errors; callers log and drop such messages rather than
// letting them propagate.
func DecodeMessage(env Envelope) (Message, error) {
	switch env.Event {
	case EventUpdate:
		var msg UpdateMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed update payload: %w", err)
		}

		if msg.ClientID == "" {
			return nil, fmt.Errorf("update payload missing clientId")
		}

		if _, err := codec.DecodeString(msg.Update); err != nil {
			return nil, fmt.Errorf("update payload: %w", err)
		}

		return msg, nil

	case EventAwareness:
		var msg AwarenessMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed awareness payload: %w", err)
		}

		if msg.ClientID == "" {
			return nil, fmt.Errorf("awareness payload missing clientId")
		}

		if _, err := codec.DecodeString(msg.Update); err != nil {
			return nil, fmt.Errorf("awareness payload: %w", err)
		}

		return msg, nil

	case EventSyncRequest:
		var msg SyncRequestMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed sync-request payload: %w", err)
		}

		if msg.ClientID == "" {
			return nil, fmt.Errorf("sync-request payload missing clientId")
		}

		return msg, nil

	default:
		return nil, fmt.Errorf("unknown broadcast event %q", env.Event)
	}
}

// EncodeEnvelope wraps a typed message into its wire envelope.
func EncodeEnvelope(msg Message) (Envelope, error) {
	var event EventType

	switch msg.(type) {
	case UpdateMessage:
		event = EventUpdate
	case AwarenessMessage:
		event = EventAwareness
	case SyncRequestMessage:
		event = EventSyncRequest
	default:
		return Envelope{}, fmt.Errorf("unsupported message type %T", msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}

	return Envelope{Event: event, Payload: payload}, nil
}
