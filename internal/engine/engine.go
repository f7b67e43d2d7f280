// Package engine assembles the workspace durability core: the lifecycle
// registry, per-workspace component stores, the residency manager, and the
// persistence coordinator, behind one explicit, constructible Engine.
//
// The Engine replaces what would otherwise be module-level singletons so the
// single-instance-per-process behavior stays testable and multiple isolated
// instances can coexist in tests.
package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/atelier-notes/atelier/internal/component"
	"github.com/atelier-notes/atelier/internal/errors"
	"github.com/atelier-notes/atelier/internal/event"
	"github.com/atelier-notes/atelier/internal/lifecycle"
	"github.com/atelier-notes/atelier/internal/logging"
	"github.com/atelier-notes/atelier/internal/metrics"
	"github.com/atelier-notes/atelier/internal/persist"
	"github.com/atelier-notes/atelier/internal/residency"
)

// DefaultPanelID is the panel a workspace's component set persists under.
const DefaultPanelID = "canvas"

// Config controls engine behavior.
type Config struct {
	// Cap is the soft residency target (default residency.DefaultCap).
	Cap int
	// DegradedThreshold trips degraded mode after this many consecutive
	// persist-failed eviction blocks.
	DegradedThreshold int
	// SharedWorkspaceID overrides the reserved sentinel id.
	SharedWorkspaceID string
}

// Engine is the workspace durability core.
// It is safe for concurrent use.
type Engine struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	bus       *event.Bus
	registry  *lifecycle.Registry
	residency *residency.Manager
	coord     *persist.Coordinator

	mu     sync.Mutex
	stores map[string]*component.Store
}

// New creates an engine over the given document store.
// Metrics and logger are optional.
func New(cfg Config, docs persist.DocumentStore, m *metrics.Metrics, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Nop()
	}

	bus := event.NewBus(logger)
	e := &Engine{
		cfg:     cfg,
		logger:  logger.WithComponent("engine"),
		metrics: m,
		bus:     bus,
		coord:   persist.NewCoordinator(docs, bus, logger),
		stores:  make(map[string]*component.Store),
	}
	e.registry = lifecycle.NewRegistry(logger)
	e.residency = residency.NewManager(residency.Config{
		Cap:               cfg.Cap,
		DegradedThreshold: cfg.DegradedThreshold,
		SharedWorkspaceID: cfg.SharedWorkspaceID,
	}, bus, m, logger)
	e.residency.SetFlusher(e)
	e.residency.SetEvictHandler(e.teardownWorkspace)

	// Observe document traffic for the metrics surface.
	bus.Subscribe("document.saved", func(event.Event) {
		m.SavesTotal.Inc()
		m.ReplayQueueDepth.Set(float64(e.coord.PendingCount()))
	})
	bus.Subscribe("document.conflict", func(event.Event) {
		m.SaveConflictsTotal.Inc()
	})

	return e
}

// OpenOptions controls how a workspace is opened.
type OpenOptions struct {
	// RestoreType selects cold or hot restore semantics
	// (default component.RestoreCold).
	RestoreType component.RestoreType
	// Snapshot is the component set to restore. For a cold open with a nil
	// snapshot the engine loads the workspace's persisted component document
	// from the backing store.
	Snapshot []component.Record
	// Reason is recorded on the lifecycle transitions
	// (default "hydrate_workspace").
	Reason string
}

// OpenWorkspace hydrates a workspace and grants it residency:
// begin restore, populate the component store without marking dirty,
// complete restore, then enforce the residency cap.
//
// New cold opens are refused with errors.ErrDegraded while the engine is in
// degraded mode; hot opens of already-resident workspaces are still allowed.
func (e *Engine) OpenWorkspace(ctx context.Context, workspaceID string, opts OpenOptions) (residency.EnsureResult, error) {
	if opts.RestoreType == "" {
		opts.RestoreType = component.RestoreCold
	}
	if opts.Reason == "" {
		opts.Reason = "hydrate_workspace"
	}

	if opts.RestoreType == component.RestoreCold && e.residency.IsDegraded() && !e.residency.Has(workspaceID) {
		return residency.EnsureResult{WorkspaceID: workspaceID},
			errors.NewWorkspaceError("cold open refused", errors.ErrDegraded).WithWorkspaceID(workspaceID)
	}

	e.registry.BeginRestore(workspaceID, opts.Reason)

	snapshot := opts.Snapshot
	if snapshot == nil && opts.RestoreType == component.RestoreCold {
		snapshot = e.loadSnapshot(ctx, workspaceID)
	}

	store := e.ComponentStore(workspaceID)
	store.Restore(snapshot, opts.RestoreType)

	e.registry.CompleteRestore(workspaceID, opts.Reason)

	res := e.residency.EnsureResident(ctx, workspaceID)

	e.logger.Info("workspace opened",
		"workspace_id", workspaceID,
		"restore_type", string(opts.RestoreType),
		"component_count", store.Len(),
		"resident_count", res.ResidentCount)

	return res, nil
}

// AbandonRestore drops a workspace's lifecycle record so a retry can start
// clean. Restore has no irreversible side effect until CompleteRestore, so
// no further cancellation is needed.
func (e *Engine) AbandonRestore(workspaceID string) {
	e.registry.Remove(workspaceID)
}

// CloseWorkspace tears a workspace down: runtime, lifecycle record, and
// component store are all removed. Unflushed state is discarded; callers
// wanting durability flush first.
func (e *Engine) CloseWorkspace(workspaceID string) {
	e.residency.Remove(workspaceID)
	e.teardownWorkspace(workspaceID)
}

// teardownWorkspace removes the lifecycle record and component store.
// Runs on explicit close and as the residency manager's evict handler.
func (e *Engine) teardownWorkspace(workspaceID string) {
	e.registry.Remove(workspaceID)

	e.mu.Lock()
	delete(e.stores, workspaceID)
	e.mu.Unlock()
}

// ComponentStore returns the workspace's component store, creating it with
// the engine's dirty guard on first use.
func (e *Engine) ComponentStore(workspaceID string) *component.Store {
	e.mu.Lock()
	defer e.mu.Unlock()

	store, ok := e.stores[workspaceID]
	if !ok {
		store = component.NewStore(workspaceID, e, e.logger)
		e.stores[workspaceID] = store
	}
	return store
}

// ShouldAllowDirty implements component.DirtyGuard: mutations may be marked
// dirty only while the owning workspace lifecycle is ready.
func (e *Engine) ShouldAllowDirty(workspaceID string) bool {
	return e.registry.IsReady(workspaceID)
}

// HasDirtyState implements residency.Flusher.
func (e *Engine) HasDirtyState(workspaceID string) bool {
	e.mu.Lock()
	store, ok := e.stores[workspaceID]
	e.mu.Unlock()
	return ok && store.HasDirty()
}

// FlushWorkspace implements residency.Flusher: it persists the workspace's
// component set as one versioned document and clears the dirty set on
// confirmed success.
func (e *Engine) FlushWorkspace(ctx context.Context, workspaceID string) error {
	e.mu.Lock()
	store, ok := e.stores[workspaceID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	content, err := json.Marshal(store.Records())
	if err != nil {
		return errors.NewPersistError("marshal component set", err).WithWorkspaceID(workspaceID)
	}

	baseVersion := e.currentVersion(ctx, workspaceID)
	err = e.coord.SaveDocument(ctx, workspaceID, DefaultPanelID, content, baseVersion+1, baseVersion)
	if err != nil {
		return err
	}

	store.ClearDirty()
	return nil
}

// currentVersion returns the last-known version for a workspace's component
// document, consulting the cache first and the store on a cache miss.
// Unknown documents report 0, the required base for a first write.
func (e *Engine) currentVersion(ctx context.Context, workspaceID string) int64 {
	if doc, ok := e.coord.CachedDocument(workspaceID, DefaultPanelID); ok {
		return doc.Version
	}
	if doc, err := e.coord.LoadDocument(ctx, workspaceID, DefaultPanelID); err == nil {
		return doc.Version
	}
	return 0
}

// loadSnapshot fetches and decodes the persisted component document for a
// cold open. Absent or undecodable documents yield an empty workspace.
func (e *Engine) loadSnapshot(ctx context.Context, workspaceID string) []component.Record {
	doc, err := e.coord.LoadDocument(ctx, workspaceID, DefaultPanelID)
	if err != nil {
		return nil
	}

	var records []component.Record
	if err := json.Unmarshal(doc.Content, &records); err != nil {
		e.logger.Warn("persisted component document is undecodable",
			"workspace_id", workspaceID,
			"error", err.Error())
		return nil
	}
	return records
}

// ReplayPending drains the coordinator's replay queue.
func (e *Engine) ReplayPending(ctx context.Context) (int, error) {
	n, err := e.coord.ReplayPending(ctx)
	e.metrics.ReplayQueueDepth.Set(float64(e.coord.PendingCount()))
	return n, err
}

// ResetDegradedMode clears the degraded flag, re-enabling cold opens.
func (e *Engine) ResetDegradedMode() {
	e.residency.ResetDegradedMode()
}

// IsDegraded reports whether new cold opens are currently refused.
func (e *Engine) IsDegraded() bool {
	return e.residency.IsDegraded()
}

// Lifecycle returns the lifecycle registry.
func (e *Engine) Lifecycle() *lifecycle.Registry {
	return e.registry
}

// Residency returns the runtime eviction manager.
func (e *Engine) Residency() *residency.Manager {
	return e.residency
}

// Coordinator returns the persistence coordinator.
func (e *Engine) Coordinator() *persist.Coordinator {
	return e.coord
}

// Events returns the engine's event bus.
func (e *Engine) Events() *event.Bus {
	return e.bus
}

// Reset clears all in-memory state: runtimes, lifecycle records, and
// component stores. The backing store and event subscriptions are untouched.
func (e *Engine) Reset() {
	e.residency.Reset()
	e.registry.Reset()

	e.mu.Lock()
	e.stores = make(map[string]*component.Store)
	e.mu.Unlock()
}
