// Package lifecycle tracks the restore phase of each workspace.
//
// The Registry is a gate, not an enforcement of a strict protocol: callers
// (UI effects that may fire out of order) cannot be trusted to sequence
// calls perfectly, so no transition is rejected. Downstream components
// consult IsReady before treating an in-memory mutation as durable-pending.
package lifecycle

import (
	"sync"
	"time"

	"github.com/atelier-notes/atelier/internal/logging"
)

// Phase represents the restore phase of a workspace.
type Phase int

const (
	// PhaseUninitialized indicates the workspace has no lifecycle record.
	// A workspace absent from the registry is implicitly uninitialized.
	PhaseUninitialized Phase = iota

	// PhaseRestoring indicates a restore is in progress. Mutations applied
	// during this phase must not be marked dirty.
	PhaseRestoring

	// PhaseReady indicates restore has completed and mutations are eligible
	// to be marked dirty.
	PhaseReady
)

// String returns a human-readable string for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseRestoring:
		return "restoring"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// State is the lifecycle record for one workspace.
type State struct {
	Phase     Phase
	EnteredAt time.Time
	Reason    string // free-form cause, e.g. "hydrate_workspace"
}

// Registry tracks per-workspace lifecycle state.
// It is safe for concurrent use.
type Registry struct {
	logger *logging.Logger
	mu     sync.Mutex
	states map[string]State
}

// NewRegistry creates a new lifecycle registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		logger: logger.WithComponent("lifecycle"),
		states: make(map[string]State),
	}
}

// BeginRestore marks a workspace as restoring. Calling it while the
// workspace is already restoring is a no-op that keeps the original
// EnteredAt, so error-recovery retries after Remove can start clean without
// resetting an in-flight restore's clock.
func (r *Registry) BeginRestore(workspaceID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.states[workspaceID]; ok && current.Phase == PhaseRestoring {
		return
	}

	r.states[workspaceID] = State{
		Phase:     PhaseRestoring,
		EnteredAt: time.Now(),
		Reason:    reason,
	}

	r.logger.Debug("restore started",
		"workspace_id", workspaceID,
		"reason", reason)
}

// CompleteRestore marks a workspace as ready. Valid from any prior phase:
// a caller that crashed mid-restore and retried must still be able to reach
// ready.
func (r *Registry) CompleteRestore(workspaceID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[workspaceID] = State{
		Phase:     PhaseReady,
		EnteredAt: time.Now(),
		Reason:    reason,
	}

	r.logger.Debug("restore complete",
		"workspace_id", workspaceID,
		"reason", reason)
}

// Phase returns the current phase of a workspace.
// Unknown workspaces are implicitly uninitialized.
func (r *Registry) Phase(workspaceID string) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[workspaceID].Phase
}

// State returns the full lifecycle record and whether one exists.
func (r *Registry) State(workspaceID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[workspaceID]
	return s, ok
}

// IsReady reports whether a workspace has completed restore.
func (r *Registry) IsReady(workspaceID string) bool {
	return r.Phase(workspaceID) == PhaseReady
}

// IsRestoring reports whether a workspace restore is in progress.
func (r *Registry) IsRestoring(workspaceID string) bool {
	return r.Phase(workspaceID) == PhaseRestoring
}

// Remove deletes the lifecycle record, returning the workspace to implicit
// uninitialized. Used both for normal teardown (eviction) and for recovering
// from a failed restore so a retry can start clean.
func (r *Registry) Remove(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[workspaceID]; !ok {
		return
	}
	delete(r.states, workspaceID)

	r.logger.Debug("lifecycle removed",
		"workspace_id", workspaceID)
}

// IDs returns the workspace ids with an explicit lifecycle record.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	return ids
}

// Reset removes all lifecycle records.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]State)
}
