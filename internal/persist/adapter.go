package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sanadflow/collab/internal/codec"
	"github.com/sanadflow/collab/internal/crdt"
)

// DefaultSaveInterval is the debounce window for passive auto-checkpoints.
const DefaultSaveInterval = 10 * time.Second

// AdapterConfig holds configuration for creating an Adapter.
type AdapterConfig struct {
	DocumentID string
	Document   *crdt.Document
	Store      Store

	// SaveInterval is the auto-save debounce window. Defaults to
	// DefaultSaveInterval.
	SaveInterval time.Duration

	// Logger for save/load diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Adapter checkpoints one document to durable storage.
//
// It hydrates the document from the last snapshot at session start, then
// listens to local-origin updates and saves debounced: every new local edit
// resets the timer, so a burst of keystrokes costs one write. A save is
// skipped entirely when the document's state vector matches the last
// successfully saved one. At most one save is in flight at a time; edits
// arriving mid-save mark a pending flag that schedules another cycle as soon
// as the in-flight save finishes, so no change is starved out of durability.
type Adapter struct {
	documentID   string
	doc          *crdt.Document
	store        Store
	saveInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	saveTimer *time.Timer
	saving    bool
	pending   bool
	destroyed bool

	// Baseline advanced only after a successful save; a failed save leaves
	// it behind so the next cycle retries.
	lastSavedVector []byte
	lastSaveTime    time.Time

	subToken int
}

// NewAdapter creates an adapter and attaches it to the document's update
// stream. Call Destroy to detach.
func NewAdapter(cfg AdapterConfig) *Adapter {
	interval := cfg.SaveInterval
	if interval == 0 {
		interval = DefaultSaveInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		documentID:   cfg.DocumentID,
		doc:          cfg.Document,
		store:        cfg.Store,
		saveInterval: interval,
		logger:       logger.With("component", "persist", "document", cfg.DocumentID),
	}

	a.subToken = a.doc.Subscribe(func(_ []byte, origin crdt.Origin) {
		// Only local edits drive the debounce; remote edits are the
		// originating peer's responsibility to checkpoint.
		if origin != crdt.OriginLocal {
			return
		}

		a.scheduleSave()
	})

	return a
}

// Load hydrates the document from the last durable snapshot. A missing
// snapshot means a fresh document and is not an error. Any other failure
// is reported wrapped in ErrLoad.
func (a *Adapter) Load(ctx context.Context) error {
	snap, err := a.store.LoadSnapshot(ctx, a.documentID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			a.logger.Debug("no snapshot found, starting fresh")

			return nil
		}

		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	if err := a.doc.ApplySnapshot(snap.State); err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	a.mu.Lock()
	a.lastSavedVector = a.doc.StateVector()
	a.lastSaveTime = snap.UpdatedAt
	a.mu.Unlock()

	a.logger.Debug("snapshot loaded", "updated_at", snap.UpdatedAt)

	return nil
}

// SaveNow saves immediately, bypassing the debounce window. The save is
// still skipped when nothing changed since the last checkpoint. Failures
// are reported wrapped in ErrSave.
func (a *Adapter) SaveNow(ctx context.Context) error {
	a.mu.Lock()

	if a.destroyed {
		a.mu.Unlock()

		return ErrAdapterDestroyed
	}

	a.stopTimerLocked()
	a.mu.Unlock()

	return a.save(ctx)
}

// HasUnsavedChanges reports whether the document has changed since the last
// successful checkpoint. True before the first save of a fresh document.
func (a *Adapter) HasUnsavedChanges() bool {
	a.mu.Lock()
	baseline := a.lastSavedVector
	a.mu.Unlock()

	if baseline == nil {
		return true
	}

	return !codec.StateVectorsEqual(a.doc.StateVector(), baseline)
}

// LastSaveTime returns when the document was last checkpointed, or the zero
// time if it never was.
func (a *Adapter) LastSaveTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastSaveTime
}

// Destroy cancels any scheduled save and detaches from the document's
// update stream. Idempotent. It does not flush; call SaveNow first if the
// final state must be durable.
func (a *Adapter) Destroy() {
	a.mu.Lock()

	if a.destroyed {
		a.mu.Unlock()

		return
	}

	a.destroyed = true
	a.stopTimerLocked()
	a.mu.Unlock()

	a.doc.Unsubscribe(a.subToken)
}

// scheduleSave resets the debounce timer for a new local update. If a save
// is currently in flight, it marks the update pending instead; the save's
// completion reschedules.
func (a *Adapter) scheduleSave() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scheduleSaveLocked()
}

func (a *Adapter) scheduleSaveLocked() {
	if a.destroyed {
		return
	}

	if a.saving {
		a.pending = true

		return
	}

	a.stopTimerLocked()

	a.saveTimer = time.AfterFunc(a.saveInterval, func() {
		if err := a.save(context.Background()); err != nil {
			a.logger.Warn("auto-save failed", "error", err)
		}
	})
}

func (a *Adapter) stopTimerLocked() {
	if a.saveTimer != nil {
		a.saveTimer.Stop()
		a.saveTimer = nil
	}
}

// save performs one checkpoint cycle. Single-flight: a second caller while
// a save is in flight marks pending and returns nil.
func (a *Adapter) save(ctx context.Context) error {
	a.mu.Lock()

	if a.destroyed {
		a.mu.Unlock()

		return nil
	}

	if a.saving {
		a.pending = true
		a.mu.Unlock()

		return nil
	}

	a.saving = true
	a.saveTimer = nil
	a.mu.Unlock()

	err := a.uploadIfChanged(ctx)

	a.mu.Lock()
	a.saving = false

	if a.pending && !a.destroyed {
		a.pending = false
		a.scheduleSaveLocked()
	}
	a.mu.Unlock()

	return err
}

// uploadIfChanged encodes and uploads the snapshot unless the state vector
// already matches the saved baseline. The vector is captured before the
// snapshot encoding so a concurrent edit can only make the baseline look
// older than the stored bytes, never newer.
func (a *Adapter) uploadIfChanged(ctx context.Context) error {
	if !a.HasUnsavedChanges() {
		a.logger.Debug("no changes to save")

		return nil
	}

	vector := a.doc.StateVector()
	state := a.doc.EncodeSnapshot()

	updatedAt, err := a.store.SaveSnapshot(ctx, a.documentID, state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSave, err)
	}

	a.mu.Lock()
	a.lastSavedVector = vector
	a.lastSaveTime = updatedAt
	a.mu.Unlock()

	a.logger.Debug("snapshot saved", "updated_at", updatedAt, "bytes", len(state))

	return nil
}
