package realtime_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sanadflow/collab/internal/realtime"
)

func TestWebSocketChannel_RefusedDialReportsErrored(t *testing.T) {
	t.Parallel()

	// Grab a port with nothing listening on it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	factory, err := realtime.NewWebSocketChannelFactory("ws://" + addr)
	require.NoError(t, err)

	channel, err := factory("room1", "client-1")
	require.NoError(t, err)

	var states []realtime.SubscribeState

	channel.Subscribe(func(state realtime.SubscribeState) {
		states = append(states, state)
	})

	// A refused connection is an error, not a timeout.
	require.Equal(t, []realtime.SubscribeState{realtime.ChannelErrored}, states)
}
