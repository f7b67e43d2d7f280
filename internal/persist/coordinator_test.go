package persist

import (
	"context"
	"sync"
	"testing"

	"github.com/atelier-notes/atelier/internal/errors"
	"github.com/atelier-notes/atelier/internal/event"
)

// fakeDocumentStore is an in-memory DocumentStore with optimistic
// concurrency, plus a switch to fail saves with an arbitrary error.
type fakeDocumentStore struct {
	mu      sync.Mutex
	docs    map[[2]string]Document
	failErr error // non-nil: SaveDocument fails with this error
	saves   int
	loads   int
}

func newFakeStore() *fakeDocumentStore {
	return &fakeDocumentStore{docs: make(map[[2]string]Document)}
}

func (f *fakeDocumentStore) LoadDocument(ctx context.Context, noteID, panelID string) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	doc, ok := f.docs[[2]string{noteID, panelID}]
	if !ok {
		return nil, errors.ErrDocumentNotFound
	}
	return &Document{Content: doc.Content, Version: doc.Version}, nil
}

func (f *fakeDocumentStore) SaveDocument(ctx context.Context, noteID, panelID string, content []byte, version, baseVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++

	if f.failErr != nil {
		return f.failErr
	}

	key := [2]string{noteID, panelID}
	current, exists := f.docs[key]
	if exists && current.Version != baseVersion {
		return errors.NewConflictError(noteID, panelID, current.Version, current.Content)
	}
	if !exists && baseVersion != 0 {
		return errors.NewConflictError(noteID, panelID, 0, nil)
	}

	f.docs[key] = Document{Content: content, Version: version}
	return nil
}

func (f *fakeDocumentStore) put(noteID, panelID string, content []byte, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[[2]string{noteID, panelID}] = Document{Content: content, Version: version}
}

func TestCoordinator_SaveAndLoad(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, nil, nil)
	ctx := context.Background()

	if err := c.SaveDocument(ctx, "note-1", "main", []byte("hello"), 1, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	doc, err := c.LoadDocument(ctx, "note-1", "main")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(doc.Content) != "hello" || doc.Version != 1 {
		t.Errorf("unexpected document %q v%d", doc.Content, doc.Version)
	}
}

func TestCoordinator_SaveUpdatesCache(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, nil, nil)

	if err := c.SaveDocument(context.Background(), "note-1", "main", []byte("v1"), 1, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	cached, ok := c.CachedDocument("note-1", "main")
	if !ok {
		t.Fatal("save should populate the cache")
	}
	if string(cached.Content) != "v1" || cached.Version != 1 {
		t.Errorf("unexpected cache %q v%d", cached.Content, cached.Version)
	}
}

func TestCoordinator_IdempotentSave(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, nil, nil)
	ctx := context.Background()

	if err := c.SaveDocument(ctx, "note-1", "main", []byte("same"), 1, 0); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	savesAfterFirst := store.saves

	// Identical content at the current version: must be a no-op success.
	if err := c.SaveDocument(ctx, "note-1", "main", []byte("same"), 1, 0); err != nil {
		t.Fatalf("idempotent save should succeed, got: %v", err)
	}
	if store.saves != savesAfterFirst {
		t.Error("idempotent save should not hit the backing store")
	}
}

func TestCoordinator_ConflictRejectsAndReconciles(t *testing.T) {
	store := newFakeStore()
	bus := event.NewBus(nil)
	c := NewCoordinator(store, bus, nil)
	ctx := context.Background()

	var conflictEvents, remoteUpdateEvents []event.Event
	bus.Subscribe("document.conflict", func(e event.Event) {
		conflictEvents = append(conflictEvents, e)
	})
	bus.Subscribe("document.remote_update", func(e event.Event) {
		remoteUpdateEvents = append(remoteUpdateEvents, e)
	})

	// Store is at version 2; the coordinator's caller claims base 1.
	store.put("note-1", "main", []byte("remote v2"), 2)

	err := c.SaveDocument(ctx, "note-1", "main", []byte("local edit"), 2, 1)
	if err == nil {
		t.Fatal("stale save should be rejected")
	}
	if !errors.IsConflict(err) {
		t.Fatalf("expected a conflict error, got: %v", err)
	}

	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatal("conflict should be typed")
	}
	if conflict.CurrentVersion != 2 {
		t.Errorf("conflict should carry the store version, got %d", conflict.CurrentVersion)
	}

	// Cache is authoritative-remote after a conflict.
	cached, ok := c.CachedDocument("note-1", "main")
	if !ok {
		t.Fatal("cache should hold the remote document")
	}
	if string(cached.Content) != "remote v2" || cached.Version != 2 {
		t.Errorf("cache should be remote state, got %q v%d", cached.Content, cached.Version)
	}

	// Both events fire exactly once.
	if len(conflictEvents) != 1 {
		t.Errorf("expected exactly one document.conflict event, got %d", len(conflictEvents))
	}
	if len(remoteUpdateEvents) != 1 {
		t.Fatalf("expected exactly one document.remote_update event, got %d", len(remoteUpdateEvents))
	}

	update := remoteUpdateEvents[0].(event.DocumentRemoteUpdateEvent)
	if update.Reason != event.ReasonConflict {
		t.Errorf("remote update reason should be 'conflict', got %q", update.Reason)
	}
	if update.Version != 2 {
		t.Errorf("remote update should carry version 2, got %d", update.Version)
	}
}

func TestCoordinator_ConflictNotAutoRetried(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, nil, nil)

	store.put("note-1", "main", []byte("remote"), 3)

	_ = c.SaveDocument(context.Background(), "note-1", "main", []byte("stale"), 2, 1)

	// 1 failed save + 1 reconciliation load; no retry save.
	if store.saves != 1 {
		t.Errorf("conflict must not be retried, store saw %d saves", store.saves)
	}
	if c.PendingCount() != 0 {
		t.Error("conflicts must not enter the replay queue")
	}
}

func TestCoordinator_LoadAfterConflictReturnsRemote(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, nil, nil)
	ctx := context.Background()

	store.put("note-1", "main", []byte("remote v2"), 2)
	_ = c.SaveDocument(ctx, "note-1", "main", []byte("stale"), 2, 1)

	doc, err := c.LoadDocument(ctx, "note-1", "main")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(doc.Content) != "remote v2" || doc.Version != 2 {
		t.Errorf("load should return the store's winning state, got %q v%d", doc.Content, doc.Version)
	}
}

func TestCoordinator_NonConflictFailureEnqueues(t *testing.T) {
	store := newFakeStore()
	store.failErr = errors.New("network unreachable")
	c := NewCoordinator(store, nil, nil)

	err := c.SaveDocument(context.Background(), "note-1", "main", []byte("offline edit"), 1, 0)
	if err == nil {
		t.Fatal("save should fail while the store is unreachable")
	}
	if errors.IsConflict(err) {
		t.Error("a network failure must not surface as a conflict")
	}
	if !errors.IsRetryable(err) {
		t.Error("a network failure should be retryable")
	}

	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 pending operation, got %d", c.PendingCount())
	}

	op := c.Pending()[0]
	if op.ID == "" {
		t.Error("pending operations should carry a generated id")
	}
	if string(op.Content) != "offline edit" {
		t.Errorf("pending operation should carry the content, got %q", op.Content)
	}
}

func TestCoordinator_ReplayPending(t *testing.T) {
	store := newFakeStore()
	store.failErr = errors.New("network unreachable")
	c := NewCoordinator(store, nil, nil)
	ctx := context.Background()

	_ = c.SaveDocument(ctx, "note-1", "main", []byte("a"), 1, 0)
	_ = c.SaveDocument(ctx, "note-2", "main", []byte("b"), 1, 0)

	if c.PendingCount() != 2 {
		t.Fatalf("expected 2 pending, got %d", c.PendingCount())
	}

	// Store comes back.
	store.failErr = nil

	replayed, err := c.ReplayPending(ctx)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replayed != 2 {
		t.Errorf("expected 2 replayed, got %d", replayed)
	}
	if c.PendingCount() != 0 {
		t.Error("queue should be empty after a full replay")
	}

	doc, err := c.LoadDocument(ctx, "note-1", "main")
	if err != nil || string(doc.Content) != "a" {
		t.Errorf("replayed write should be visible in the store, got %v / %v", doc, err)
	}
}

func TestCoordinator_ReplayStopsAtFailure(t *testing.T) {
	store := newFakeStore()
	store.failErr = errors.New("still down")
	c := NewCoordinator(store, nil, nil)
	ctx := context.Background()

	_ = c.SaveDocument(ctx, "note-1", "main", []byte("a"), 1, 0)

	replayed, err := c.ReplayPending(ctx)
	if err == nil {
		t.Fatal("replay should fail while the store is down")
	}
	if replayed != 0 {
		t.Errorf("expected 0 replayed, got %d", replayed)
	}
	if c.PendingCount() != 1 {
		t.Error("the failed operation should stay at the head of the queue")
	}
}

func TestCoordinator_SaveSuccessPublishesEvent(t *testing.T) {
	store := newFakeStore()
	bus := event.NewBus(nil)
	c := NewCoordinator(store, bus, nil)

	var saved []event.Event
	bus.Subscribe("document.saved", func(e event.Event) {
		saved = append(saved, e)
	})

	if err := c.SaveDocument(context.Background(), "note-1", "main", []byte("x"), 1, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if len(saved) != 1 {
		t.Fatalf("expected one document.saved event, got %d", len(saved))
	}
	e := saved[0].(event.DocumentSavedEvent)
	if e.Version != 1 || e.NoteID != "note-1" {
		t.Errorf("unexpected event payload: %+v", e)
	}
}

func TestCoordinator_LoadMissingDocument(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, nil, nil)

	_, err := c.LoadDocument(context.Background(), "ghost", "main")
	if !errors.Is(err, errors.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

// journaledStore extends the fake store with the durable replay journal.
type journaledStore struct {
	*fakeDocumentStore
	jmu     sync.Mutex
	entries []PendingSave
}

func newJournaledStore() *journaledStore {
	return &journaledStore{fakeDocumentStore: newFakeStore()}
}

func (j *journaledStore) AppendPendingSave(ctx context.Context, op PendingSave) error {
	j.jmu.Lock()
	defer j.jmu.Unlock()
	j.entries = append(j.entries, op)
	return nil
}

func (j *journaledStore) LoadPendingSaves(ctx context.Context) ([]PendingSave, error) {
	j.jmu.Lock()
	defer j.jmu.Unlock()
	out := make([]PendingSave, len(j.entries))
	copy(out, j.entries)
	return out, nil
}

func (j *journaledStore) RemovePendingSave(ctx context.Context, id string) error {
	j.jmu.Lock()
	defer j.jmu.Unlock()
	for i, op := range j.entries {
		if op.ID == id {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (j *journaledStore) journalLen() int {
	j.jmu.Lock()
	defer j.jmu.Unlock()
	return len(j.entries)
}

func TestCoordinator_ReplayQueueSurvivesRestart(t *testing.T) {
	store := newJournaledStore()
	store.failErr = errors.New("disk full")
	ctx := context.Background()

	first := NewCoordinator(store, nil, nil)
	if err := first.SaveDocument(ctx, "note-1", "main", []byte("v1"), 1, 0); err == nil {
		t.Fatal("save should fail while the store is failing")
	}
	if store.journalLen() != 1 {
		t.Fatalf("failed save should be journaled, got %d entries", store.journalLen())
	}

	// A fresh coordinator over the same store stands in for a new process:
	// the journaled save must come back onto its queue and replay.
	store.failErr = nil
	second := NewCoordinator(store, nil, nil)
	if second.PendingCount() != 1 {
		t.Fatalf("expected 1 journaled save on the queue, got %d", second.PendingCount())
	}

	n, err := second.ReplayPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("replay should confirm the journaled save, got n=%d err=%v", n, err)
	}
	doc, err := second.LoadDocument(ctx, "note-1", "main")
	if err != nil || string(doc.Content) != "v1" || doc.Version != 1 {
		t.Errorf("replayed save should be in the store, got doc=%+v err=%v", doc, err)
	}
	if store.journalLen() != 0 {
		t.Errorf("confirmed save should leave the journal, got %d entries", store.journalLen())
	}
}

func TestCoordinator_ReplayConflictDropsJournaledSave(t *testing.T) {
	store := newJournaledStore()
	store.failErr = errors.New("network unreachable")
	ctx := context.Background()

	c := NewCoordinator(store, nil, nil)
	if err := c.SaveDocument(ctx, "note-1", "main", []byte("local"), 1, 0); err == nil {
		t.Fatal("save should fail while the store is failing")
	}

	// The store heals but another writer got there first: the replay loses
	// the version race, reconciles, and the journal entry is dropped.
	store.failErr = nil
	store.put("note-1", "main", []byte("remote"), 1)

	n, err := c.ReplayPending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("conflicted replay should drop without error, got n=%d err=%v", n, err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("conflicted save should leave the queue, got %d pending", c.PendingCount())
	}
	if store.journalLen() != 0 {
		t.Errorf("conflicted save should leave the journal, got %d entries", store.journalLen())
	}
}
