package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atelier-notes/atelier/internal/errors"
	"github.com/atelier-notes/atelier/internal/persist"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "documents.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, "note-1", "main", []byte("hello"), 1, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	doc, err := s.LoadDocument(ctx, "note-1", "main")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(doc.Content) != "hello" {
		t.Errorf("expected content 'hello', got %q", doc.Content)
	}
	if doc.Version != 1 {
		t.Errorf("expected version 1, got %d", doc.Version)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadDocument(context.Background(), "ghost", "main")
	if !errors.Is(err, errors.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestStore_VersionChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, "note-1", "main", []byte("v1"), 1, 0); err != nil {
		t.Fatalf("save v1 failed: %v", err)
	}
	if err := s.SaveDocument(ctx, "note-1", "main", []byte("v2"), 2, 1); err != nil {
		t.Fatalf("save v2 failed: %v", err)
	}

	doc, err := s.LoadDocument(ctx, "note-1", "main")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(doc.Content) != "v2" || doc.Version != 2 {
		t.Errorf("expected v2 content at version 2, got %q v%d", doc.Content, doc.Version)
	}
}

func TestStore_StaleSaveRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, "note-1", "main", []byte("v1"), 1, 0); err != nil {
		t.Fatalf("save v1 failed: %v", err)
	}
	if err := s.SaveDocument(ctx, "note-1", "main", []byte("v2"), 2, 1); err != nil {
		t.Fatalf("save v2 failed: %v", err)
	}

	// A second writer still claiming base 1 must lose.
	err := s.SaveDocument(ctx, "note-1", "main", []byte("stale"), 2, 1)
	if err == nil {
		t.Fatal("stale save should be rejected")
	}

	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a typed conflict, got %v", err)
	}
	if conflict.CurrentVersion != 2 {
		t.Errorf("conflict should carry current version 2, got %d", conflict.CurrentVersion)
	}
	if string(conflict.CurrentContent) != "v2" {
		t.Errorf("conflict should carry current content, got %q", conflict.CurrentContent)
	}

	// The losing write must not be visible.
	doc, _ := s.LoadDocument(ctx, "note-1", "main")
	if string(doc.Content) != "v2" {
		t.Errorf("rejected write must not land, store has %q", doc.Content)
	}
}

func TestStore_FirstWriteRequiresBaseZero(t *testing.T) {
	s := openTestStore(t)

	err := s.SaveDocument(context.Background(), "note-1", "main", []byte("x"), 2, 1)
	if !errors.IsConflict(err) {
		t.Errorf("first write with nonzero base should conflict, got %v", err)
	}
}

func TestStore_DocumentsAreIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, "note-1", "main", []byte("a"), 1, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.SaveDocument(ctx, "note-1", "sidebar", []byte("b"), 1, 0); err != nil {
		t.Fatalf("save to a second panel should not conflict: %v", err)
	}
	if err := s.SaveDocument(ctx, "note-2", "main", []byte("c"), 1, 0); err != nil {
		t.Fatalf("save to a second note should not conflict: %v", err)
	}

	count, err := s.DocumentCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 documents, got %d", count)
	}
}

func TestStore_DeleteDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, "note-1", "main", []byte("x"), 1, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.DeleteDocument(ctx, "note-1", "main"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, err := s.LoadDocument(ctx, "note-1", "main")
	if !errors.Is(err, errors.ErrDocumentNotFound) {
		t.Errorf("document should be gone after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := s.DeleteDocument(ctx, "note-1", "main"); err != nil {
		t.Errorf("deleting an absent document should be a no-op, got %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "documents.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := s1.SaveDocument(context.Background(), "n", "p", []byte("x"), 1, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer s2.Close()

	doc, err := s2.LoadDocument(context.Background(), "n", "p")
	if err != nil {
		t.Fatalf("load after reopen failed: %v", err)
	}
	if string(doc.Content) != "x" {
		t.Errorf("data should survive reopen, got %q", doc.Content)
	}
}

func TestStore_PendingSaveJournal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := persist.PendingSave{
		ID: "op-1", NoteID: "note-1", PanelID: "main",
		Content: []byte("a"), Version: 1, BaseVersion: 0,
		EnqueuedAt: time.Now().UTC(),
	}
	second := persist.PendingSave{
		ID: "op-2", NoteID: "note-2", PanelID: "main",
		Content: []byte("b"), Version: 3, BaseVersion: 2,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.AppendPendingSave(ctx, first); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.AppendPendingSave(ctx, second); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	// Re-appending the same operation id must not duplicate it.
	if err := s.AppendPendingSave(ctx, first); err != nil {
		t.Fatalf("duplicate append failed: %v", err)
	}

	ops, err := s.LoadPendingSaves(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 journaled saves, got %d", len(ops))
	}
	if ops[0].ID != "op-1" || ops[1].ID != "op-2" {
		t.Errorf("journal should preserve enqueue order, got %q then %q", ops[0].ID, ops[1].ID)
	}
	if string(ops[1].Content) != "b" || ops[1].Version != 3 || ops[1].BaseVersion != 2 {
		t.Errorf("journaled fields should round-trip, got %+v", ops[1])
	}

	if err := s.RemovePendingSave(ctx, "op-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := s.RemovePendingSave(ctx, "op-ghost"); err != nil {
		t.Fatalf("removing an absent id should be a no-op, got: %v", err)
	}
	ops, err = s.LoadPendingSaves(ctx)
	if err != nil {
		t.Fatalf("load after remove failed: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "op-2" {
		t.Errorf("expected only op-2 to remain, got %+v", ops)
	}
}
