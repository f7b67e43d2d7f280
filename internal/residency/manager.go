// Package residency owns the bounded set of resident workspace runtimes.
//
// The Manager exposes creation, removal, and lookup of runtimes, computes
// eviction candidates under a hard capacity, and coordinates with the
// persistence layer before finalizing an eviction. The cap is a soft target:
// it is never enforced by sacrificing a protected workspace, and a workspace
// with unflushed, unconfirmed writes is never discarded.
package residency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-notes/atelier/internal/event"
	"github.com/atelier-notes/atelier/internal/logging"
	"github.com/atelier-notes/atelier/internal/metrics"
)

// DefaultCap is the default maximum number of resident workspace runtimes.
const DefaultCap = 4

// DefaultDegradedThreshold is the number of consecutive persist-failed
// eviction blocks that trips degraded mode.
const DefaultDegradedThreshold = 3

// SharedWorkspaceID is the reserved sentinel id for the shared workspace.
// It is resident for the life of the process and never evicted.
const SharedWorkspaceID = "workspace-shared"

// BlockType classifies why an eviction could not proceed.
type BlockType string

const (
	// BlockActiveOperations: every candidate was protected (pinned, shared,
	// foreground, or carrying in-flight operations).
	BlockActiveOperations BlockType = "active_operations"

	// BlockPersistFailed: the candidate's flush failed, so it stays resident.
	BlockPersistFailed BlockType = "persist_failed"
)

// Runtime is the resident, in-memory session object for one open workspace.
// Owned exclusively by the Manager's registry; other components hold only
// the id.
type Runtime struct {
	ID                   string
	LastVisibleAt        time.Time
	ActiveOperationCount int
	Shared               bool
}

// EvictionBlock is the payload delivered to eviction-blocked observers.
// It is ephemeral: constructed per notification, never persisted.
type EvictionBlock struct {
	WorkspaceID          string
	EntryID              string
	Reason               string
	BlockType            BlockType
	ActiveOperationCount int
}

// EvictionResult reports the outcome of one cap-enforcement pass.
// Kept deliberately separate from EnsureResult: the open-time blocked path
// and the eviction-time persist-failed path have different call sites and
// different payload needs.
type EvictionResult struct {
	WorkspaceID string // candidate considered ("" if none)
	Evicted     bool
	Flushed     bool // a flush was required and confirmed before eviction
	Block       *EvictionBlock
}

// EnsureResult reports the outcome of granting residency at open time.
type EnsureResult struct {
	WorkspaceID   string
	Created       bool // a new runtime was created
	ResidentCount int
	CapExceeded   bool // the resident set still exceeds the cap
	Block         *EvictionBlock
}

// Flusher persists a workspace's dirty state before eviction.
// The engine satisfies this over the persistence coordinator.
type Flusher interface {
	HasDirtyState(workspaceID string) bool
	FlushWorkspace(ctx context.Context, workspaceID string) error
}

// BlockedCallback observes eviction-blocked notifications.
type BlockedCallback func(EvictionBlock)

// Config controls Manager behavior.
type Config struct {
	// Cap is the soft residency target (default 4).
	Cap int
	// DegradedThreshold is the consecutive persist-failed block count that
	// trips degraded mode (default 3).
	DegradedThreshold int
	// SharedWorkspaceID overrides the reserved sentinel id.
	SharedWorkspaceID string
}

// Manager owns the resident runtime registry.
// It is safe for concurrent use; only the Manager mutates the runtime map.
type Manager struct {
	cfg     Config
	logger  *logging.Logger
	bus     *event.Bus
	metrics *metrics.Metrics

	mu              sync.Mutex
	runtimes        map[string]*Runtime
	pinned          map[string]struct{}
	activeWorkspace string

	flusher      Flusher
	evictHandler func(workspaceID string)

	callbacks  map[string]BlockedCallback
	cbOrder    []string // registration order for deterministic dispatch
	degraded   bool
	consFailed int // consecutive persist-failed blocks
}

// NewManager creates a residency manager. Bus and metrics are optional.
func NewManager(cfg Config, bus *event.Bus, m *metrics.Metrics, logger *logging.Logger) *Manager {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultDegradedThreshold
	}
	if cfg.SharedWorkspaceID == "" {
		cfg.SharedWorkspaceID = SharedWorkspaceID
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.WithComponent("residency"),
		bus:       bus,
		metrics:   m,
		runtimes:  make(map[string]*Runtime),
		pinned:    make(map[string]struct{}),
		callbacks: make(map[string]BlockedCallback),
	}
}

// SetFlusher wires the persistence layer consulted before evicting a dirty
// workspace. Must be set before EnforceCap can flush.
func (m *Manager) SetFlusher(f Flusher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flusher = f
}

// SetEvictHandler wires the teardown hook invoked after a runtime leaves the
// registry (the engine removes the lifecycle record and component store).
func (m *Manager) SetEvictHandler(h func(workspaceID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictHandler = h
}

// Cap returns the configured residency cap.
func (m *Manager) Cap() int {
	return m.cfg.Cap
}

// GetOrCreate returns the runtime for a workspace, creating it on first
// access, and bumps LastVisibleAt.
func (m *Manager) GetOrCreate(workspaceID string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[workspaceID]
	if !ok {
		rt = &Runtime{
			ID:     workspaceID,
			Shared: workspaceID == m.cfg.SharedWorkspaceID,
		}
		m.runtimes[workspaceID] = rt
		m.metrics.ResidentWorkspaces.Set(float64(len(m.runtimes)))

		m.logger.Debug("runtime created",
			"workspace_id", workspaceID,
			"resident_count", len(m.runtimes))
	}
	rt.LastVisibleAt = time.Now()
	return rt
}

// Has reports whether a workspace runtime is resident.
func (m *Manager) Has(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runtimes[workspaceID]
	return ok
}

// IDs returns all resident workspace runtime ids.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a copy of a workspace's runtime.
func (m *Manager) Get(workspaceID string) (Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[workspaceID]
	if !ok {
		return Runtime{}, false
	}
	return *rt, true
}

// Count returns the number of resident runtimes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

// Remove deletes a workspace runtime. Returns true if one was resident.
func (m *Manager) Remove(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(workspaceID)
}

// removeLocked deletes a runtime. The caller must hold m.mu.
func (m *Manager) removeLocked(workspaceID string) bool {
	if _, ok := m.runtimes[workspaceID]; !ok {
		return false
	}
	delete(m.runtimes, workspaceID)
	m.metrics.ResidentWorkspaces.Set(float64(len(m.runtimes)))
	return true
}

// Touch bumps a workspace's LastVisibleAt without creating a runtime.
func (m *Manager) Touch(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[workspaceID]; ok {
		rt.LastVisibleAt = time.Now()
	}
}

// setLastVisibleAt pins a runtime's visibility timestamp. Test hook.
func (m *Manager) setLastVisibleAt(workspaceID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[workspaceID]; ok {
		rt.LastVisibleAt = t
	}
}

// UpdatePinnedWorkspaceIDs replaces the externally driven protection list.
func (m *Manager) UpdatePinnedWorkspaceIDs(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pinned = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m.pinned[id] = struct{}{}
	}
}

// IsPinned reports whether a workspace is on the protection list.
func (m *Manager) IsPinned(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pinned[workspaceID]
	return ok
}

// SetActiveWorkspace records the currently foreground workspace, which is
// never selected for eviction.
func (m *Manager) SetActiveWorkspace(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeWorkspace = workspaceID
}

// ActiveWorkspace returns the currently foreground workspace id.
func (m *Manager) ActiveWorkspace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeWorkspace
}

// BeginOperation increments a workspace's in-flight operation count.
// Runtimes with in-flight operations are never selected for eviction.
func (m *Manager) BeginOperation(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[workspaceID]; ok {
		rt.ActiveOperationCount++
	}
}

// EndOperation decrements a workspace's in-flight operation count.
func (m *Manager) EndOperation(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[workspaceID]; ok && rt.ActiveOperationCount > 0 {
		rt.ActiveOperationCount--
	}
}

// ActiveOperationCount returns a workspace's in-flight operation count.
// Unknown workspaces report 0.
func (m *Manager) ActiveOperationCount(workspaceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[workspaceID]; ok {
		return rt.ActiveOperationCount
	}
	return 0
}

// LeastRecentlyVisible returns the eviction candidate: the resident runtime
// with the oldest LastVisibleAt, excluding the shared sentinel, pinned ids,
// the foreground workspace, and any runtime with in-flight operations.
// Returns ("", false) when every resident runtime is protected; the cap is a
// soft target that is never enforced by sacrificing a protected workspace.
func (m *Manager) LeastRecentlyVisible() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leastRecentlyVisibleLocked("")
}

// evictableLocked reports whether a runtime may be evicted right now.
// Caller holds m.mu.
func (m *Manager) evictableLocked(workspaceID string) bool {
	rt, ok := m.runtimes[workspaceID]
	if !ok {
		return false
	}
	if rt.Shared || workspaceID == m.cfg.SharedWorkspaceID {
		return false
	}
	if _, pinned := m.pinned[workspaceID]; pinned {
		return false
	}
	if workspaceID == m.activeWorkspace {
		return false
	}
	if rt.ActiveOperationCount > 0 {
		return false
	}
	return true
}

// leastRecentlyVisibleLocked computes the candidate, skipping excludeID.
// Caller holds m.mu.
func (m *Manager) leastRecentlyVisibleLocked(excludeID string) (string, bool) {
	var (
		oldestID string
		oldest   time.Time
		found    bool
	)
	for id, rt := range m.runtimes {
		if id == excludeID || !m.evictableLocked(id) {
			continue
		}
		if !found || rt.LastVisibleAt.Before(oldest) {
			oldestID = id
			oldest = rt.LastVisibleAt
			found = true
		}
	}
	return oldestID, found
}

// EnsureResident grants residency to a workspace at open time and then
// enforces the cap. Residency itself is always granted; the result reports
// whether the resident set still exceeds the cap and why.
func (m *Manager) EnsureResident(ctx context.Context, workspaceID string) EnsureResult {
	existed := m.Has(workspaceID)
	m.GetOrCreate(workspaceID)

	res := EnsureResult{
		WorkspaceID: workspaceID,
		Created:     !existed,
	}

	// The workspace being opened is never the one sacrificed to make room
	// for itself, even when every other resident runtime is protected.
	evict := m.enforceCapExcluding(ctx, workspaceID)
	res.Block = evict.Block

	res.ResidentCount = m.Count()
	res.CapExceeded = res.ResidentCount > m.cfg.Cap
	return res
}

// EnforceCap runs one hard-safe eviction pass. When the resident count
// exceeds the cap it selects a candidate; a clean candidate is evicted
// immediately, a dirty one only after a confirmed flush. On flush failure
// the candidate stays resident and registered observers are notified with a
// persist_failed block.
func (m *Manager) EnforceCap(ctx context.Context) EvictionResult {
	return m.enforceCapExcluding(ctx, "")
}

// enforceCapExcluding runs the eviction pass with one runtime exempt from
// candidate selection (the workspace currently being granted residency).
func (m *Manager) enforceCapExcluding(ctx context.Context, excludeID string) EvictionResult {
	m.mu.Lock()
	if len(m.runtimes) <= m.cfg.Cap {
		m.mu.Unlock()
		return EvictionResult{}
	}

	candidate, ok := m.leastRecentlyVisibleLocked(excludeID)
	if !ok {
		// Every resident runtime is protected. The resident count may
		// legitimately exceed the cap; do not sacrifice a protected one.
		activeOps := 0
		for _, rt := range m.runtimes {
			activeOps += rt.ActiveOperationCount
		}
		m.mu.Unlock()

		m.logger.Info("cap exceeded but all resident workspaces protected",
			"cap", m.cfg.Cap)

		return EvictionResult{
			Block: &EvictionBlock{
				EntryID:              uuid.NewString(),
				Reason:               "all resident workspaces protected",
				BlockType:            BlockActiveOperations,
				ActiveOperationCount: activeOps,
			},
		}
	}
	flusher := m.flusher
	m.mu.Unlock()

	if flusher != nil && flusher.HasDirtyState(candidate) {
		if err := flusher.FlushWorkspace(ctx, candidate); err != nil {
			// Hard-safe guarantee: never discard unconfirmed writes.
			m.logger.Warn("eviction blocked: flush failed",
				"workspace_id", candidate,
				"error", err.Error())

			block := m.NotifyEvictionBlockedPersistFailed(candidate, err.Error())
			return EvictionResult{WorkspaceID: candidate, Block: &block}
		}

		if !m.finalizeEviction(candidate, true) {
			return EvictionResult{WorkspaceID: candidate}
		}
		return EvictionResult{WorkspaceID: candidate, Evicted: true, Flushed: true}
	}

	if !m.finalizeEviction(candidate, false) {
		return EvictionResult{WorkspaceID: candidate}
	}
	return EvictionResult{WorkspaceID: candidate, Evicted: true}
}

// finalizeEviction removes the runtime, runs the teardown hook, resets the
// consecutive-failure counter, and publishes the eviction event. The lock is
// not held across the flush, so the candidate's protections are re-evaluated
// here; a runtime that became pinned, foreground, or busy in the meantime
// stays resident and the pass reports no eviction.
func (m *Manager) finalizeEviction(workspaceID string, flushed bool) bool {
	m.mu.Lock()
	if !m.evictableLocked(workspaceID) {
		m.mu.Unlock()
		m.logger.Info("eviction aborted: workspace became protected",
			"workspace_id", workspaceID)
		return false
	}
	m.removeLocked(workspaceID)
	m.consFailed = 0
	handler := m.evictHandler
	m.mu.Unlock()

	if handler != nil {
		handler(workspaceID)
	}

	m.metrics.EvictionsTotal.Inc()
	if flushed {
		m.metrics.EvictionsFlushed.Inc()
	}

	m.logger.Info("workspace evicted",
		"workspace_id", workspaceID,
		"flushed", flushed)

	if m.bus != nil {
		m.bus.Publish(event.NewWorkspaceEvictedEvent(workspaceID, flushed))
	}
	return true
}

// RegisterEvictionBlockedCallback adds an observer. Returns an id for
// unregistration.
func (m *Manager) RegisterEvictionBlockedCallback(cb BlockedCallback) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "cb-" + uuid.NewString()
	m.callbacks[id] = cb
	m.cbOrder = append(m.cbOrder, id)
	return id
}

// UnregisterEvictionBlockedCallback removes an observer by id.
// Returns true if the observer was found and removed.
func (m *Manager) UnregisterEvictionBlockedCallback(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.callbacks[id]; !ok {
		return false
	}
	delete(m.callbacks, id)
	for i, cbID := range m.cbOrder {
		if cbID == id {
			m.cbOrder = append(m.cbOrder[:i], m.cbOrder[i+1:]...)
			break
		}
	}
	return true
}

// NotifyEvictionBlockedPersistFailed constructs a persist_failed block
// record and invokes every registered callback with it. Each invocation is
// isolated: a panic in one callback is recovered and logged without
// preventing the remaining callbacks from running and without propagating to
// the caller. Consecutive persist-failed blocks count toward degraded mode.
func (m *Manager) NotifyEvictionBlockedPersistFailed(workspaceID, reason string) EvictionBlock {
	block := EvictionBlock{
		WorkspaceID:          workspaceID,
		EntryID:              uuid.NewString(),
		Reason:               reason,
		BlockType:            BlockPersistFailed,
		ActiveOperationCount: 0,
	}

	m.mu.Lock()
	cbs := make([]BlockedCallback, 0, len(m.cbOrder))
	for _, id := range m.cbOrder {
		cbs = append(cbs, m.callbacks[id])
	}

	m.consFailed++
	tripped := !m.degraded && m.consFailed >= m.cfg.DegradedThreshold
	if tripped {
		m.degraded = true
	}
	consFailed := m.consFailed
	m.mu.Unlock()

	m.metrics.EvictionBlocked.WithLabelValues(string(BlockPersistFailed)).Inc()

	for _, cb := range cbs {
		m.safeInvoke(cb, block)
	}

	if m.bus != nil {
		m.bus.Publish(event.NewEvictionBlockedEvent(
			workspaceID, reason, string(BlockPersistFailed), 0))
	}

	if tripped {
		m.metrics.DegradedMode.Set(1)
		m.logger.Error("degraded mode tripped",
			"consecutive_failures", consFailed,
			"threshold", m.cfg.DegradedThreshold)
		if m.bus != nil {
			m.bus.Publish(event.NewDegradedModeEvent(true, consFailed))
		}
	}

	return block
}

// safeInvoke calls one observer, recovering from panics so a broken observer
// never breaks the eviction engine.
func (m *Manager) safeInvoke(cb BlockedCallback, block EvictionBlock) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("eviction-blocked callback panicked",
				"workspace_id", block.WorkspaceID,
				"panic", r)
		}
	}()
	cb(block)
}

// IsDegraded reports whether repeated persist failures have tripped the
// process-wide degraded flag. The engine's cold-open gate consults this.
func (m *Manager) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// ResetDegradedMode clears the degraded flag and the consecutive-failure
// counter, re-enabling normal operation. Registered callbacks and resident
// state are untouched.
func (m *Manager) ResetDegradedMode() {
	m.mu.Lock()
	wasDegraded := m.degraded
	m.degraded = false
	m.consFailed = 0
	m.mu.Unlock()

	m.metrics.DegradedMode.Set(0)

	if wasDegraded {
		m.logger.Info("degraded mode reset")
		if m.bus != nil {
			m.bus.Publish(event.NewDegradedModeEvent(false, 0))
		}
	}
}

// Reset clears all resident runtimes, pins, and degraded state.
// Callback registrations survive; use for tests and process teardown.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.runtimes = make(map[string]*Runtime)
	m.pinned = make(map[string]struct{})
	m.activeWorkspace = ""
	m.degraded = false
	m.consFailed = 0
	m.mu.Unlock()

	m.metrics.ResidentWorkspaces.Set(0)
	m.metrics.DegradedMode.Set(0)
}
