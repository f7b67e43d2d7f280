// Package component provides the per-workspace mutable record set for canvas
// components (widgets, tools) with a dirty-tracking layer.
//
// Every mutation consults a DirtyGuard before inserting into the dirty set.
// When the guard refuses, the mutation still applies to the in-memory record
// so the UI stays consistent with user intent, but no flush will ever see the
// change as pending. This is the mechanism that prevents ghost saves: a
// component remounting mid-hydration must not re-persist stale or
// partially-restored state.
package component

import (
	"encoding/json"
	"sync"

	"github.com/atelier-notes/atelier/internal/logging"
)

// DirtyGuard decides whether a mutation may be marked dirty.
// The lifecycle registry satisfies this: dirty marking is allowed only while
// the owning workspace is ready.
type DirtyGuard interface {
	ShouldAllowDirty(workspaceID string) bool
}

// GuardFunc adapts a function to the DirtyGuard interface.
type GuardFunc func(workspaceID string) bool

// ShouldAllowDirty calls the wrapped function.
func (f GuardFunc) ShouldAllowDirty(workspaceID string) bool {
	return f(workspaceID)
}

// Position is a component's canvas position.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a component's rendered size.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Record is one component within a workspace's store. State is an opaque
// payload keyed by Type; the store only ever copies or replaces it, with the
// single documented exception of the running flag on cold restore.
type Record struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position Position        `json:"position"`
	Size     Size            `json:"size"`
	ZIndex   int             `json:"zIndex"`
	State    json.RawMessage `json:"state,omitempty"`
}

// RestoreType selects the restore semantics.
type RestoreType string

const (
	// RestoreCold populates from a cold snapshot. Any component whose state
	// encodes an active/running flag is forced inactive: cold restore must
	// never resume side-effecting background activity implicitly.
	RestoreCold RestoreType = "cold"

	// RestoreHot merges a warm snapshot. If the store already holds state for
	// a record id, the existing (possibly locally modified) state wins and
	// the incoming snapshot for that id is discarded.
	RestoreHot RestoreType = "hot"
)

// runningFlags are the state keys recognized as "this component has live
// background activity". Cold restore clears any of these that are true.
var runningFlags = []string{"isRunning", "running", "active"}

// Store is the mutable record set for one workspace.
// It is safe for concurrent use.
type Store struct {
	workspaceID string
	guard       DirtyGuard
	logger      *logging.Logger

	mu       sync.Mutex
	records  map[string]Record
	dirtyIDs map[string]struct{}
	restored bool // true once a restore has completed
}

// NewStore creates a component store for one workspace. The guard is
// consulted on every mutation; a nil guard allows all dirty marking.
func NewStore(workspaceID string, guard DirtyGuard, logger *logging.Logger) *Store {
	if guard == nil {
		guard = GuardFunc(func(string) bool { return true })
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Store{
		workspaceID: workspaceID,
		guard:       guard,
		logger:      logger.WithComponent("component-store").WithWorkspace(workspaceID),
		records:     make(map[string]Record),
		dirtyIDs:    make(map[string]struct{}),
	}
}

// WorkspaceID returns the owning workspace id.
func (s *Store) WorkspaceID() string {
	return s.workspaceID
}

// Restore populates the store from a snapshot. Restore never marks records
// dirty: hydration must not produce pending writes.
func (s *Store) Restore(records []Record, restoreType RestoreType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if restoreType == RestoreHot {
			if _, exists := s.records[rec.ID]; exists {
				// Hot restore never overwrites unflushed local edits.
				continue
			}
		}
		if restoreType == RestoreCold {
			rec.State = deactivateState(rec.State)
		}
		s.records[rec.ID] = rec
	}
	s.restored = true

	s.logger.Debug("store restored",
		"restore_type", string(restoreType),
		"record_count", len(records))
}

// Restored reports whether a restore has completed for this store.
func (s *Store) Restored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

// Add inserts a component record.
func (s *Store) Add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = rec
	s.markDirtyLocked(rec.ID)
}

// UpdateState replaces a component's opaque state payload.
// Unknown ids are ignored.
func (s *Store) UpdateState(id string, state json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.State = state
	s.records[id] = rec
	s.markDirtyLocked(id)
}

// UpdatePosition moves a component. Unknown ids are ignored.
func (s *Store) UpdatePosition(id string, pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Position = pos
	s.records[id] = rec
	s.markDirtyLocked(id)
}

// UpdateSize resizes a component. Unknown ids are ignored.
func (s *Store) UpdateSize(id string, size Size) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Size = size
	s.records[id] = rec
	s.markDirtyLocked(id)
}

// UpdateZIndex restacks a component. Unknown ids are ignored.
func (s *Store) UpdateZIndex(id string, zIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.ZIndex = zIndex
	s.records[id] = rec
	s.markDirtyLocked(id)
}

// Remove deletes a component record. The removal itself is a pending change
// when the guard allows it, so a flush can propagate the deletion.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return
	}
	delete(s.records, id)
	s.markDirtyLocked(id)
}

// Get returns a component record by id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Records returns a copy of all component records.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of records in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// HasDirty reports whether any component has unflushed changes.
func (s *Store) HasDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirtyIDs) > 0
}

// DirtyIDs returns the ids with unflushed changes.
func (s *Store) DirtyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.dirtyIDs))
	for id := range s.dirtyIDs {
		ids = append(ids, id)
	}
	return ids
}

// IsDirty reports whether a specific component has unflushed changes.
func (s *Store) IsDirty(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirtyIDs[id]
	return ok
}

// ClearDirty empties the dirty set. Call after a confirmed successful flush.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyIDs = make(map[string]struct{})
}

// markDirtyLocked inserts an id into the dirty set if the guard allows it.
// The caller must hold s.mu.
func (s *Store) markDirtyLocked(id string) {
	if !s.guard.ShouldAllowDirty(s.workspaceID) {
		s.logger.Debug("dirty marking suppressed",
			"component_id", id)
		return
	}
	s.dirtyIDs[id] = struct{}{}
}

// deactivateState clears recognized running flags in an opaque state payload.
// Payloads that are not JSON objects are returned unchanged.
func deactivateState(state json.RawMessage) json.RawMessage {
	if len(state) == 0 {
		return state
	}

	var decoded map[string]any
	if err := json.Unmarshal(state, &decoded); err != nil {
		return state
	}

	changed := false
	for _, key := range runningFlags {
		if v, ok := decoded[key].(bool); ok && v {
			decoded[key] = false
			changed = true
		}
	}
	if !changed {
		return state
	}

	out, err := json.Marshal(decoded)
	if err != nil {
		return state
	}
	return out
}
