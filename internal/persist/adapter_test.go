package persist_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sanadflow/collab/internal/crdt"
	"github.com/sanadflow/collab/internal/persist"
)

// countingStore is a Store test double that records saves and can be
// scripted to fail.
type countingStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	saves     int
	loads     int
	saveErr   error
	loadErr   error
}

func newCountingStore() *countingStore {
	return &countingStore{snapshots: make(map[string][]byte)}
}

func (c *countingStore) LoadSnapshot(_ context.Context, documentID string) (persist.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loads++

	if c.loadErr != nil {
		return persist.Snapshot{}, c.loadErr
	}

	state, ok := c.snapshots[documentID]
	if !ok {
		return persist.Snapshot{}, persist.ErrSnapshotNotFound
	}

	return persist.Snapshot{DocumentID: documentID, State: state, UpdatedAt: time.Now()}, nil
}

func (c *countingStore) SaveSnapshot(_ context.Context, documentID string, state []byte) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.saves++

	if c.saveErr != nil {
		return time.Time{}, c.saveErr
	}

	c.snapshots[documentID] = state

	return time.Now(), nil
}

func (c *countingStore) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.saves
}

func (c *countingStore) setSaveErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.saveErr = err
}

func TestAdapter_LoadFreshDocument(t *testing.T) {
	t.Parallel()

	doc := crdt.New()
	store := newCountingStore()

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID: "doc1",
		Document:   doc,
		Store:      store,
	})
	defer adapter.Destroy()

	require.NoError(t, adapter.Load(context.Background()))

	text, err := doc.Text()
	require.NoError(t, err)
	require.Empty(t, text)
	require.True(t, adapter.LastSaveTime().IsZero())
}

func TestAdapter_LoadHydratesDocument(t *testing.T) {
	t.Parallel()

	source := crdt.New()
	require.NoError(t, source.InsertText(0, "persisted text"))

	store := newCountingStore()
	store.snapshots["doc1"] = source.EncodeSnapshot()

	doc := crdt.New()
	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID: "doc1",
		Document:   doc,
		Store:      store,
	})
	defer adapter.Destroy()

	require.NoError(t, adapter.Load(context.Background()))

	text, err := doc.Text()
	require.NoError(t, err)
	require.Equal(t, "persisted text", text)

	// Hydration establishes the saved baseline: nothing to save yet.
	require.False(t, adapter.HasUnsavedChanges())
}

func TestAdapter_LoadErrorPropagates(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	store.loadErr = errors.New("backend down")

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID: "doc1",
		Document:   crdt.New(),
		Store:      store,
	})
	defer adapter.Destroy()

	err := adapter.Load(context.Background())
	require.ErrorIs(t, err, persist.ErrLoad)
}

func TestAdapter_DebounceCoalescesBurst(t *testing.T) {
	t.Parallel()

	doc := crdt.New()
	store := newCountingStore()

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID:   "doc1",
		Document:     doc,
		Store:        store,
		SaveInterval: 100 * time.Millisecond,
	})
	defer adapter.Destroy()

	// Burst of edits inside one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, doc.InsertText(i, "x"))
		time.Sleep(10 * time.Millisecond)
	}

	require.Zero(t, store.saveCount(), "save fired before the quiet period elapsed")

	require.Eventually(t, func() bool {
		return store.saveCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// No further edits: the count must stay at exactly one.
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, 1, store.saveCount())
}

func TestAdapter_SaveNowSkipsWhenUnchanged(t *testing.T) {
	t.Parallel()

	doc := crdt.New()
	store := newCountingStore()

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID: "doc1",
		Document:   doc,
		Store:      store,
	})
	defer adapter.Destroy()

	require.NoError(t, doc.InsertText(0, "once"))

	require.NoError(t, adapter.SaveNow(context.Background()))
	require.Equal(t, 1, store.saveCount())
	require.False(t, adapter.HasUnsavedChanges())

	// No edits in between: second call must not hit the network.
	require.NoError(t, adapter.SaveNow(context.Background()))
	require.Equal(t, 1, store.saveCount())
}

func TestAdapter_FailedSaveRetriesNextCycle(t *testing.T) {
	t.Parallel()

	doc := crdt.New()
	store := newCountingStore()
	store.setSaveErr(errors.New("write refused"))

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID: "doc1",
		Document:   doc,
		Store:      store,
	})
	defer adapter.Destroy()

	require.NoError(t, doc.InsertText(0, "fragile"))

	err := adapter.SaveNow(context.Background())
	require.ErrorIs(t, err, persist.ErrSave)

	// Baseline was not advanced, so the change still counts as unsaved
	// and the next save retries the write.
	require.True(t, adapter.HasUnsavedChanges())

	store.setSaveErr(nil)
	require.NoError(t, adapter.SaveNow(context.Background()))
	require.False(t, adapter.HasUnsavedChanges())
	require.Equal(t, 2, store.saveCount())
}

func TestAdapter_DestroyStopsAutoSave(t *testing.T) {
	t.Parallel()

	doc := crdt.New()
	store := newCountingStore()

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID:   "doc1",
		Document:     doc,
		Store:        store,
		SaveInterval: 30 * time.Millisecond,
	})

	require.NoError(t, doc.InsertText(0, "about to be orphaned"))

	adapter.Destroy()
	adapter.Destroy() // idempotent

	// Mutating through a stray reference after Destroy must not trigger
	// any further saves.
	require.NoError(t, doc.InsertText(0, "stray"))
	time.Sleep(100 * time.Millisecond)

	require.Zero(t, store.saveCount())
	require.ErrorIs(t, adapter.SaveNow(context.Background()), persist.ErrAdapterDestroyed)
}

func TestAdapter_SaveNowRecordsTimestamp(t *testing.T) {
	t.Parallel()

	doc := crdt.New()
	store := newCountingStore()

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID: "doc1",
		Document:   doc,
		Store:      store,
	})
	defer adapter.Destroy()

	require.NoError(t, doc.InsertText(0, "stamped"))
	require.NoError(t, adapter.SaveNow(context.Background()))
	require.False(t, adapter.LastSaveTime().IsZero())
}

func TestAdapter_RemoteUpdatesDoNotScheduleSaves(t *testing.T) {
	t.Parallel()

	source := crdt.New()

	var delta []byte

	source.Subscribe(func(d []byte, _ crdt.Origin) {
		delta = d
	})
	require.NoError(t, source.InsertText(0, "from a peer"))

	doc := crdt.New()
	store := newCountingStore()

	adapter := persist.NewAdapter(persist.AdapterConfig{
		DocumentID:   "doc1",
		Document:     doc,
		Store:        store,
		SaveInterval: 20 * time.Millisecond,
	})
	defer adapter.Destroy()

	// Checkpointing remote changes is the originating peer's job; merging
	// them here must not start a debounce cycle.
	require.NoError(t, doc.MergeRemoteUpdate(delta))
	time.Sleep(80 * time.Millisecond)

	require.Zero(t, store.saveCount())
}
