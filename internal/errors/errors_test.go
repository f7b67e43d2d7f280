package errors

import (
	"fmt"
	"testing"
)

func TestConflictError_CarriesStoreState(t *testing.T) {
	err := NewConflictError("note-1", "main", 5, []byte("remote content"))

	if err.NoteID != "note-1" {
		t.Errorf("expected NoteID 'note-1', got %q", err.NoteID)
	}
	if err.CurrentVersion != 5 {
		t.Errorf("expected CurrentVersion 5, got %d", err.CurrentVersion)
	}
	if string(err.CurrentContent) != "remote content" {
		t.Errorf("expected store content to be carried, got %q", err.CurrentContent)
	}
}

func TestConflictError_MatchesSentinel(t *testing.T) {
	err := NewConflictError("note-1", "main", 2, nil)

	if !Is(err, ErrSaveConflict) {
		t.Error("ConflictError should match ErrSaveConflict sentinel")
	}

	var conflict *ConflictError
	if !As(err, &conflict) {
		t.Error("errors.As should extract ConflictError")
	}
}

func TestConflictError_WrappedMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("flush failed: %w", NewConflictError("n", "p", 3, nil))

	if !IsConflict(err) {
		t.Error("wrapped ConflictError should be detected by IsConflict")
	}

	var conflict *ConflictError
	if !As(err, &conflict) {
		t.Fatal("errors.As should extract wrapped ConflictError")
	}
	if conflict.CurrentVersion != 3 {
		t.Errorf("expected CurrentVersion 3, got %d", conflict.CurrentVersion)
	}
}

func TestWorkspaceError_Format(t *testing.T) {
	err := NewWorkspaceError("open refused", ErrDegraded).WithWorkspaceID("ws-1")

	want := "workspace error [workspace=ws-1]: open refused: engine in degraded mode"
	if err.Error() != want {
		t.Errorf("unexpected message:\n got: %s\nwant: %s", err.Error(), want)
	}
}

func TestWorkspaceError_UnwrapsCause(t *testing.T) {
	err := NewWorkspaceError("open refused", ErrDegraded)

	if !Is(err, ErrDegraded) {
		t.Error("WorkspaceError should match its cause via errors.Is")
	}
	if !IsDegraded(err) {
		t.Error("IsDegraded should detect a wrapped ErrDegraded")
	}
}

func TestPersistError_RetryableByDefault(t *testing.T) {
	err := NewPersistError("network write failed", New("connection refused"))

	if !err.Retryable() {
		t.Error("persist errors should be retryable by default")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable should report true for a default PersistError")
	}
}

func TestPersistError_NotRetryableWhenMarked(t *testing.T) {
	err := NewPersistError("store rejected write", nil).WithRetryable(false)

	if IsRetryable(err) {
		t.Error("IsRetryable should respect WithRetryable(false)")
	}
}

func TestPersistError_Format(t *testing.T) {
	err := NewPersistError("flush failed", New("timeout")).
		WithWorkspaceID("ws-2").
		WithDocument("note-9", "main")

	want := "persist error [workspace=ws-2, note=note-9, panel=main]: flush failed: timeout"
	if err.Error() != want {
		t.Errorf("unexpected message:\n got: %s\nwant: %s", err.Error(), want)
	}
}

func TestIsRetryable_ConflictIsNever(t *testing.T) {
	conflict := NewConflictError("n", "p", 4, nil)

	if IsRetryable(conflict) {
		t.Error("conflicts must never be classified retryable")
	}
}

func TestIsConflict_NilAndUnrelated(t *testing.T) {
	if IsConflict(nil) {
		t.Error("IsConflict(nil) should be false")
	}
	if IsConflict(New("some other error")) {
		t.Error("IsConflict should be false for unrelated errors")
	}
}
