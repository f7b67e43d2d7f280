package lifecycle

import (
	"testing"
	"time"
)

func TestRegistry_UnknownWorkspaceIsUninitialized(t *testing.T) {
	r := NewRegistry(nil)

	if r.Phase("ws-unknown") != PhaseUninitialized {
		t.Error("unknown workspace should be implicitly uninitialized")
	}
	if r.IsReady("ws-unknown") {
		t.Error("unknown workspace should not be ready")
	}
	if r.IsRestoring("ws-unknown") {
		t.Error("unknown workspace should not be restoring")
	}
}

func TestRegistry_BeginRestore(t *testing.T) {
	r := NewRegistry(nil)

	r.BeginRestore("ws-1", "hydrate_workspace")

	if !r.IsRestoring("ws-1") {
		t.Error("workspace should be restoring after BeginRestore")
	}
	if r.IsReady("ws-1") {
		t.Error("workspace should not be ready while restoring")
	}

	state, ok := r.State("ws-1")
	if !ok {
		t.Fatal("State should report an explicit record")
	}
	if state.Reason != "hydrate_workspace" {
		t.Errorf("expected reason 'hydrate_workspace', got %q", state.Reason)
	}
	if state.EnteredAt.IsZero() {
		t.Error("EnteredAt should be set")
	}
}

func TestRegistry_BeginRestoreWhileRestoringKeepsEnteredAt(t *testing.T) {
	r := NewRegistry(nil)

	r.BeginRestore("ws-1", "first")
	first, _ := r.State("ws-1")

	time.Sleep(2 * time.Millisecond)
	r.BeginRestore("ws-1", "retry")
	second, _ := r.State("ws-1")

	if !second.EnteredAt.Equal(first.EnteredAt) {
		t.Error("repeated BeginRestore should not reset EnteredAt")
	}
	if second.Reason != "first" {
		t.Errorf("repeated BeginRestore should be a no-op, reason changed to %q", second.Reason)
	}
}

func TestRegistry_CompleteRestore(t *testing.T) {
	r := NewRegistry(nil)

	r.BeginRestore("ws-1", "hydrate")
	r.CompleteRestore("ws-1", "hydrate")

	if !r.IsReady("ws-1") {
		t.Error("workspace should be ready after CompleteRestore")
	}
	if r.IsRestoring("ws-1") {
		t.Error("workspace should no longer be restoring")
	}
}

func TestRegistry_CompleteRestoreFromAnyPhase(t *testing.T) {
	r := NewRegistry(nil)

	// Never began a restore; a crashed-and-retried caller must still reach ready.
	r.CompleteRestore("ws-2", "recovery")

	if !r.IsReady("ws-2") {
		t.Error("CompleteRestore should be valid from any prior phase")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(nil)

	r.BeginRestore("ws-1", "hydrate")
	r.CompleteRestore("ws-1", "hydrate")
	r.Remove("ws-1")

	if r.Phase("ws-1") != PhaseUninitialized {
		t.Error("removed workspace should return to implicit uninitialized")
	}
	if _, ok := r.State("ws-1"); ok {
		t.Error("State should report no record after Remove")
	}

	// Removing a non-existent record is a no-op.
	r.Remove("ws-never-seen")
}

func TestRegistry_RemoveAllowsRetry(t *testing.T) {
	r := NewRegistry(nil)

	r.BeginRestore("ws-1", "hydrate")
	r.Remove("ws-1")

	// A retry after error recovery starts a fresh restore with a new clock.
	r.BeginRestore("ws-1", "hydrate_retry")

	state, ok := r.State("ws-1")
	if !ok || state.Phase != PhaseRestoring {
		t.Fatal("retry after Remove should start a fresh restore")
	}
	if state.Reason != "hydrate_retry" {
		t.Errorf("fresh restore should record the new reason, got %q", state.Reason)
	}
}

func TestRegistry_IDs(t *testing.T) {
	r := NewRegistry(nil)

	r.BeginRestore("ws-1", "a")
	r.CompleteRestore("ws-2", "b")

	ids := r.IDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(nil)

	r.CompleteRestore("ws-1", "a")
	r.Reset()

	if len(r.IDs()) != 0 {
		t.Error("Reset should remove all records")
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseUninitialized, "uninitialized"},
		{PhaseRestoring, "restoring"},
		{PhaseReady, "ready"},
		{Phase(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
