package realtime

import "encoding/json"

// SubscribeState is what the underlying transport reports about a room
// subscription's lifecycle.
type SubscribeState string

const (
	// ChannelSubscribed means the room subscription is live.
	ChannelSubscribed SubscribeState = "SUBSCRIBED"

	// ChannelErrored means the subscription failed.
	ChannelErrored SubscribeState = "CHANNEL_ERROR"

	// ChannelTimedOut means the subscription attempt timed out.
	ChannelTimedOut SubscribeState = "TIMED_OUT"

	// ChannelClosed means the subscription ended gracefully.
	ChannelClosed SubscribeState = "CLOSED"
)

// Channel is one named room on the broadcast transport. Delivery is
// at-least-once with no ordering guarantee. The transport should not echo
// a sender's own broadcasts back to it; the provider also filters by
// client id.
type Channel interface {
	// OnBroadcast registers the handler for incoming room broadcasts.
	// Must be called before Subscribe.
	OnBroadcast(handler func(env Envelope))

	// OnLeave registers the handler invoked when a peer's connection
	// leaves the room. Must be called before Subscribe.
	OnLeave(handler func(clientID string))

	// Subscribe opens the room subscription. Lifecycle transitions are
	// reported through onState, possibly multiple times.
	Subscribe(onState func(state SubscribeState))

	// Send broadcasts an envelope to the other members of the room.
	Send(env Envelope) error

	// Track publishes the client's presence payload through the
	// transport's presence sub-protocol; the transport replays it to
	// members that join later.
	Track(payload json.RawMessage) error

	// Unsubscribe tears the subscription down. Idempotent.
	Unsubscribe()
}

// ChannelFactory opens a fresh channel for a room. The provider calls it on
// initial connect and again for every reconnect attempt; the client id stays
// stable across those calls so server-side presence survives reconnects.
//
// Injecting the factory keeps the transport client out of package-level
// state and lets tests substitute an in-memory transport.
type ChannelFactory func(roomID, clientID string) (Channel, error)
