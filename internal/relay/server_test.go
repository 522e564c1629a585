package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sanadflow/collab/internal/awareness"
	"github.com/sanadflow/collab/internal/crdt"
	"github.com/sanadflow/collab/internal/persist"
	"github.com/sanadflow/collab/internal/realtime"
	"github.com/sanadflow/collab/internal/relay"
)

// startRelay spins up a relay over an in-memory store and returns its base
// URLs for HTTP and WebSocket clients.
func startRelay(t *testing.T) (httpURL, wsURL string, store *persist.MemoryStore) {
	t.Helper()

	store = persist.NewMemoryStore()

	server := relay.NewServer(relay.ServerConfig{
		Store: store,
		Hub:   relay.NewHub(),
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return ts.URL, "ws" + strings.TrimPrefix(ts.URL, "http"), store
}

func startProvider(t *testing.T, wsURL, clientID string, doc *crdt.Document) *realtime.Provider {
	t.Helper()

	factory, err := realtime.NewWebSocketChannelFactory(wsURL)
	require.NoError(t, err)

	provider, err := realtime.NewProvider(realtime.ProviderConfig{
		RoomID:        "doc-42",
		Document:      doc,
		Channels:      factory,
		ClientID:      clientID,
		BatchInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(provider.Destroy)

	require.Eventually(t, func() bool {
		return provider.Status() == realtime.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	return provider
}

func TestServer_SnapshotAPI(t *testing.T) {
	t.Parallel()

	httpURL, _, _ := startRelay(t)

	store, err := persist.NewHTTPStore(httpURL, nil)
	require.NoError(t, err)

	ctx := context.Background()

	// Fresh document: 404 maps to ErrSnapshotNotFound.
	_, err = store.LoadSnapshot(ctx, "doc1")
	require.ErrorIs(t, err, persist.ErrSnapshotNotFound)

	_, err = store.SaveSnapshot(ctx, "doc1", []byte{0x01, 0x02})
	require.NoError(t, err)

	snap, err := store.LoadSnapshot(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, snap.State)
	require.False(t, snap.UpdatedAt.IsZero())

	// Upsert replaces.
	_, err = store.SaveSnapshot(ctx, "doc1", []byte{0x03})
	require.NoError(t, err)

	snap, err = store.LoadSnapshot(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, []byte{0x03}, snap.State)
}

func TestServer_SnapshotAPIRejectsBadBody(t *testing.T) {
	t.Parallel()

	httpURL, _, _ := startRelay(t)

	req, err := http.NewRequest(http.MethodPut, httpURL+"/documents/doc1/state",
		strings.NewReader(`{"state": "not base64 !!!"}`))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RealtimeRequiresRoom(t *testing.T) {
	t.Parallel()

	httpURL, _, _ := startRelay(t)

	resp, err := http.Get(httpURL + "/realtime")
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_EndToEndDocumentSync(t *testing.T) {
	t.Parallel()

	_, wsURL, _ := startRelay(t)

	docA := crdt.New()
	docB := crdt.New()

	providerA := startProvider(t, wsURL, "client-a", docA)
	providerB := startProvider(t, wsURL, "client-b", docB)

	require.NoError(t, docA.InsertText(0, "salam"))
	providerA.FlushUpdates()

	require.Eventually(t, func() bool {
		text, err := docB.Text()

		return err == nil && text == "salam"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, docB.InsertText(5, " alaikum"))
	providerB.FlushUpdates()

	require.Eventually(t, func() bool {
		text, err := docA.Text()

		return err == nil && text == "salam alaikum"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_EndToEndPresence(t *testing.T) {
	t.Parallel()

	_, wsURL, _ := startRelay(t)

	providerA := startProvider(t, wsURL, "client-a", crdt.New())
	providerB := startProvider(t, wsURL, "client-b", crdt.New())

	providerA.UpdatePresence(awareness.Presence{UserID: "u1", DisplayName: "Amina", Color: "#f00"})

	require.Eventually(t, func() bool {
		users := providerB.GetOnlineUsers()

		return len(users) == 1 && users[0].UserID == "u1"
	}, 2*time.Second, 10*time.Millisecond)

	// Presence tracked by A is replayed to a client joining later.
	providerC := startProvider(t, wsURL, "client-c", crdt.New())

	require.Eventually(t, func() bool {
		return len(providerC.GetOnlineUsers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Disconnecting A eventually clears it from B's directory.
	providerA.Destroy()

	require.Eventually(t, func() bool {
		return len(providerB.GetOnlineUsers()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
