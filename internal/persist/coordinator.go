// Package persist reconciles document writes against a versioned backing
// store using optimistic concurrency.
//
// The Coordinator caches the last-known {content, version} per document and
// converts stale-save failures from the store into typed conflicts after
// reconciling the local cache to the authoritative remote state. Conflicts
// are never retried automatically: any retry policy belongs to the caller.
// Non-conflict failures are enqueued on a replay queue instead of surfacing
// as conflicts. When the backing store also implements ReplayJournal the
// queue is journaled through it, so pending saves survive a process restart
// and a fresh Coordinator over the same store picks them up.
package persist

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-notes/atelier/internal/errors"
	"github.com/atelier-notes/atelier/internal/event"
	"github.com/atelier-notes/atelier/internal/logging"
)

// Document is a versioned document snapshot.
type Document struct {
	Content []byte
	Version int64
}

// DocumentStore is the backing-store collaborator contract. A save is
// accepted only if baseVersion equals the store's current version; on
// mismatch the store fails with a *errors.ConflictError carrying its current
// (newer) version and content. A load of an absent document returns
// errors.ErrDocumentNotFound.
type DocumentStore interface {
	LoadDocument(ctx context.Context, noteID, panelID string) (*Document, error)
	SaveDocument(ctx context.Context, noteID, panelID string, content []byte, version, baseVersion int64) error
}

// ReplayJournal is the optional backing-store contract for durable replay.
// Stores that implement it have failed saves journaled alongside the
// documents, so the replay queue is not lost with the process.
type ReplayJournal interface {
	AppendPendingSave(ctx context.Context, op PendingSave) error
	LoadPendingSaves(ctx context.Context) ([]PendingSave, error)
	RemovePendingSave(ctx context.Context, id string) error
}

// docKey identifies a document within the backing store.
type docKey struct {
	noteID  string
	panelID string
}

// PendingSave is one enqueued save operation awaiting replay.
type PendingSave struct {
	ID          string
	NoteID      string
	PanelID     string
	Content     []byte
	Version     int64
	BaseVersion int64
	EnqueuedAt  time.Time
}

// Coordinator persists document content against a versioned backing store.
// It is safe for concurrent use.
type Coordinator struct {
	store   DocumentStore
	journal ReplayJournal // non-nil when store implements it
	bus     *event.Bus
	logger  *logging.Logger

	mu      sync.Mutex
	cache   map[docKey]Document
	pending []PendingSave
}

// NewCoordinator creates a persistence coordinator over the given store.
// The bus is optional; if nil, no events are published. If the store
// implements ReplayJournal, saves journaled by a previous process are loaded
// onto the replay queue.
func NewCoordinator(store DocumentStore, bus *event.Bus, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Coordinator{
		store:  store,
		bus:    bus,
		logger: logger.WithComponent("persist"),
		cache:  make(map[docKey]Document),
	}
	if journal, ok := store.(ReplayJournal); ok {
		c.journal = journal
		ops, err := journal.LoadPendingSaves(context.Background())
		if err != nil {
			c.logger.Warn("failed to load journaled saves", "error", err.Error())
		} else if len(ops) > 0 {
			c.pending = ops
			c.logger.Info("journaled saves loaded onto replay queue", "count", len(ops))
		}
	}
	return c
}

// LoadDocument fetches a document from the backing store and caches the
// {content, version} pair.
func (c *Coordinator) LoadDocument(ctx context.Context, noteID, panelID string) (*Document, error) {
	doc, err := c.store.LoadDocument(ctx, noteID, panelID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[docKey{noteID, panelID}] = *doc
	c.mu.Unlock()

	return doc, nil
}

// SaveDocument writes content at version, claiming baseVersion as the prior
// version. By convention version = baseVersion + 1.
//
// Behavior:
//   - Idempotent no-op success when content is byte-identical to the cache
//     and the requested version equals the cached version. This prevents
//     duplicate-save churn from redundant UI triggers.
//   - On a stale-save conflict, the local cache is reconciled to the
//     authoritative remote state, document.remote_update (reason "conflict")
//     and document.conflict events fire, and the typed conflict is returned.
//     The rejected local edit is not retried or merged.
//   - On any other store failure, the operation is enqueued for later replay
//     and a retryable *errors.PersistError is returned.
func (c *Coordinator) SaveDocument(ctx context.Context, noteID, panelID string, content []byte, version, baseVersion int64) error {
	key := docKey{noteID, panelID}

	c.mu.Lock()
	cached, hasCached := c.cache[key]
	c.mu.Unlock()

	if hasCached && version == cached.Version && bytes.Equal(content, cached.Content) {
		c.logger.Debug("save skipped: content identical at current version",
			"note_id", noteID,
			"panel_id", panelID,
			"version", version)
		return nil
	}

	err := c.store.SaveDocument(ctx, noteID, panelID, content, version, baseVersion)
	if err == nil {
		c.mu.Lock()
		c.cache[key] = Document{Content: content, Version: version}
		c.mu.Unlock()

		c.publish(event.NewDocumentSavedEvent(noteID, panelID, version))
		return nil
	}

	var conflict *errors.ConflictError
	if errors.As(err, &conflict) {
		return c.reconcileConflict(ctx, key, conflict)
	}

	// Non-conflict failure: enqueue for replay rather than surfacing a
	// conflict. The caller that triggered residency-cap enforcement must not
	// crash because an unrelated workspace failed to flush.
	c.enqueue(ctx, PendingSave{
		ID:          uuid.NewString(),
		NoteID:      noteID,
		PanelID:     panelID,
		Content:     content,
		Version:     version,
		BaseVersion: baseVersion,
		EnqueuedAt:  time.Now(),
	})

	c.logger.Warn("save failed, enqueued for replay",
		"note_id", noteID,
		"panel_id", panelID,
		"version", version,
		"error", err.Error())

	return errors.NewPersistError("save failed", err).WithDocument(noteID, panelID)
}

// reconcileConflict replaces the local cache with the authoritative remote
// document and emits the conflict event pair. The conflict error is returned
// unchanged so the caller can decide whether to rebase onto the new version.
func (c *Coordinator) reconcileConflict(ctx context.Context, key docKey, conflict *errors.ConflictError) error {
	// Prefer a fresh reload; fall back to the state carried on the conflict
	// if the store is unreachable for the read.
	remote := Document{Content: conflict.CurrentContent, Version: conflict.CurrentVersion}
	if doc, err := c.store.LoadDocument(ctx, key.noteID, key.panelID); err == nil {
		remote = *doc
	}

	c.mu.Lock()
	c.cache[key] = remote
	c.mu.Unlock()

	c.logger.Info("save conflict, cache reconciled to remote",
		"note_id", key.noteID,
		"panel_id", key.panelID,
		"remote_version", remote.Version)

	c.publish(event.NewDocumentRemoteUpdateEvent(key.noteID, key.panelID, remote.Version, event.ReasonConflict))
	c.publish(event.NewDocumentConflictEvent(key.noteID, key.panelID, remote.Version))

	return conflict
}

// CachedDocument returns the last-known {content, version} for a document.
func (c *Coordinator) CachedDocument(noteID, panelID string) (Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.cache[docKey{noteID, panelID}]
	return doc, ok
}

// PendingCount returns the number of saves awaiting replay.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Pending returns a copy of the replay queue in FIFO order.
func (c *Coordinator) Pending() []PendingSave {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingSave, len(c.pending))
	copy(out, c.pending)
	return out
}

// ReplayPending drains the replay queue in FIFO order. Replay stops at the
// first operation that fails again for a non-conflict reason; that operation
// stays at the head of the queue. A conflict during replay is reconciled
// like any other conflict and the operation is dropped (the edit lost the
// version race; the caller already holds the conflict semantics).
// Returns the number of operations confirmed by the store.
func (c *Coordinator) ReplayPending(ctx context.Context) (int, error) {
	replayed := 0
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return replayed, nil
		}
		op := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		err := c.store.SaveDocument(ctx, op.NoteID, op.PanelID, op.Content, op.Version, op.BaseVersion)
		if err == nil {
			key := docKey{op.NoteID, op.PanelID}
			c.mu.Lock()
			c.cache[key] = Document{Content: op.Content, Version: op.Version}
			c.mu.Unlock()

			c.dropJournaled(ctx, op.ID)
			c.publish(event.NewDocumentSavedEvent(op.NoteID, op.PanelID, op.Version))
			replayed++
			continue
		}

		var conflict *errors.ConflictError
		if errors.As(err, &conflict) {
			_ = c.reconcileConflict(ctx, docKey{op.NoteID, op.PanelID}, conflict)
			c.dropJournaled(ctx, op.ID)
			continue
		}

		// Still failing: put the operation back at the head and stop.
		c.mu.Lock()
		c.pending = append([]PendingSave{op}, c.pending...)
		c.mu.Unlock()

		return replayed, errors.NewPersistError("replay failed", err).WithDocument(op.NoteID, op.PanelID)
	}
}

// enqueue appends a pending save to the replay queue and journals it when
// the store supports durable replay. A journal write failure is logged but
// does not fail the enqueue; the in-memory queue still covers this process.
func (c *Coordinator) enqueue(ctx context.Context, op PendingSave) {
	c.mu.Lock()
	c.pending = append(c.pending, op)
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.AppendPendingSave(ctx, op); err != nil {
			c.logger.Warn("failed to journal pending save",
				"note_id", op.NoteID,
				"panel_id", op.PanelID,
				"error", err.Error())
		}
	}
}

// dropJournaled removes a confirmed or superseded save from the journal.
func (c *Coordinator) dropJournaled(ctx context.Context, id string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RemovePendingSave(ctx, id); err != nil {
		c.logger.Warn("failed to remove journaled save",
			"op_id", id,
			"error", err.Error())
	}
}

// publish sends an event if a bus is attached.
func (c *Coordinator) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
