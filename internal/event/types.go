// Package event defines event types for decoupling the durability core from
// its consumers. Document and eviction events enable UI layers to react to
// saves, conflicts, and residency changes without direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "document.saved", "eviction.blocked")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Document Events
// -----------------------------------------------------------------------------

// DocumentSavedEvent is emitted after a document write is confirmed by the
// backing store.
type DocumentSavedEvent struct {
	baseEvent
	NoteID  string // Note the document belongs to
	PanelID string // Panel within the note
	Version int64  // Version the store accepted
}

// NewDocumentSavedEvent creates a DocumentSavedEvent.
func NewDocumentSavedEvent(noteID, panelID string, version int64) DocumentSavedEvent {
	return DocumentSavedEvent{
		baseEvent: newBaseEvent("document.saved"),
		NoteID:    noteID,
		PanelID:   panelID,
		Version:   version,
	}
}

// DocumentConflictEvent is emitted when a save is rejected because the
// backing store holds a newer version. The local cache has already been
// reconciled to the remote state by the time this fires.
type DocumentConflictEvent struct {
	baseEvent
	NoteID        string // Note the document belongs to
	PanelID       string // Panel within the note
	RemoteVersion int64  // The store's current (winning) version
}

// NewDocumentConflictEvent creates a DocumentConflictEvent.
func NewDocumentConflictEvent(noteID, panelID string, remoteVersion int64) DocumentConflictEvent {
	return DocumentConflictEvent{
		baseEvent:     newBaseEvent("document.conflict"),
		NoteID:        noteID,
		PanelID:       panelID,
		RemoteVersion: remoteVersion,
	}
}

// RemoteUpdateReason describes why a remote update event fired.
type RemoteUpdateReason string

const (
	// ReasonConflict indicates the local cache was replaced after a stale save.
	ReasonConflict RemoteUpdateReason = "conflict"
	// ReasonReload indicates an explicit reload refreshed the cache.
	ReasonReload RemoteUpdateReason = "reload"
)

// DocumentRemoteUpdateEvent is emitted when the local document cache is
// replaced with the backing store's authoritative state.
type DocumentRemoteUpdateEvent struct {
	baseEvent
	NoteID  string             // Note the document belongs to
	PanelID string             // Panel within the note
	Version int64              // The authoritative version now cached
	Reason  RemoteUpdateReason // Why the cache was replaced
}

// NewDocumentRemoteUpdateEvent creates a DocumentRemoteUpdateEvent.
func NewDocumentRemoteUpdateEvent(noteID, panelID string, version int64, reason RemoteUpdateReason) DocumentRemoteUpdateEvent {
	return DocumentRemoteUpdateEvent{
		baseEvent: newBaseEvent("document.remote_update"),
		NoteID:    noteID,
		PanelID:   panelID,
		Version:   version,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Residency Events
// -----------------------------------------------------------------------------

// WorkspaceEvictedEvent is emitted when a workspace runtime is removed from
// residency, either clean or after a confirmed flush.
type WorkspaceEvictedEvent struct {
	baseEvent
	WorkspaceID string // Workspace that was evicted
	Flushed     bool   // Whether a flush was required before eviction
}

// NewWorkspaceEvictedEvent creates a WorkspaceEvictedEvent.
func NewWorkspaceEvictedEvent(workspaceID string, flushed bool) WorkspaceEvictedEvent {
	return WorkspaceEvictedEvent{
		baseEvent:   newBaseEvent("workspace.evicted"),
		WorkspaceID: workspaceID,
		Flushed:     flushed,
	}
}

// EvictionBlockedEvent is emitted when an eviction could not proceed.
// It mirrors the payload delivered to registered eviction-blocked callbacks
// for consumers that prefer the bus.
type EvictionBlockedEvent struct {
	baseEvent
	WorkspaceID          string // Workspace that stayed resident
	Reason               string // Free-form cause
	BlockType            string // "active_operations" or "persist_failed"
	ActiveOperationCount int    // In-flight operations at block time
}

// NewEvictionBlockedEvent creates an EvictionBlockedEvent.
func NewEvictionBlockedEvent(workspaceID, reason, blockType string, activeOps int) EvictionBlockedEvent {
	return EvictionBlockedEvent{
		baseEvent:            newBaseEvent("eviction.blocked"),
		WorkspaceID:          workspaceID,
		Reason:               reason,
		BlockType:            blockType,
		ActiveOperationCount: activeOps,
	}
}

// -----------------------------------------------------------------------------
// Engine Events
// -----------------------------------------------------------------------------

// DegradedModeEvent is emitted when the engine enters or leaves degraded
// mode. Consumers gate new cold workspace opens on this flag.
type DegradedModeEvent struct {
	baseEvent
	Degraded        bool // True when entering degraded mode
	ConsecutiveFail int  // Persist failures that tripped the flag (0 on reset)
}

// NewDegradedModeEvent creates a DegradedModeEvent.
func NewDegradedModeEvent(degraded bool, consecutiveFail int) DegradedModeEvent {
	return DegradedModeEvent{
		baseEvent:       newBaseEvent("engine.degraded"),
		Degraded:        degraded,
		ConsecutiveFail: consecutiveFail,
	}
}
