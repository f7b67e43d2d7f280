// Package errors provides centralized error definitions and error handling
// utilities for the Atelier workspace core. It defines domain-specific errors,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - WorkspaceError: errors related to workspace residency and lifecycle
//   - PersistError: errors related to document persistence
//   - ConflictError: optimistic-concurrency conflicts from the backing store
//
// Sentinel errors represent common conditions checked with errors.Is:
//   - ErrWorkspaceNotFound, ErrDocumentNotFound, ErrStoreClosed,
//     ErrDegraded, ErrEvictionBlocked
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewPersistError("flush failed", cause).WithWorkspaceID("ws-1")
//	err := errors.NewConflictError(noteID, panelID, currentVersion, currentContent)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrDegraded) { ... }
//
//	var conflict *errors.ConflictError
//	if errors.As(err, &conflict) { ... }
//
//	if errors.IsConflict(err) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Workspace-related sentinel errors
var (
	// ErrWorkspaceNotFound indicates that a workspace runtime could not be found.
	ErrWorkspaceNotFound = New("workspace not found")
	// ErrWorkspaceNotReady indicates that a workspace has not completed restore.
	ErrWorkspaceNotReady = New("workspace not ready")
	// ErrEvictionBlocked indicates that an eviction could not proceed.
	ErrEvictionBlocked = New("eviction blocked")
	// ErrDegraded indicates the engine is in degraded mode and refuses new
	// cold workspace opens until explicitly reset.
	ErrDegraded = New("engine in degraded mode")
)

// Persistence-related sentinel errors
var (
	// ErrDocumentNotFound indicates that a document does not exist in the
	// backing store.
	ErrDocumentNotFound = New("document not found")
	// ErrStoreClosed indicates that the backing store has been closed.
	ErrStoreClosed = New("store closed")
	// ErrSaveConflict indicates an optimistic-concurrency version mismatch.
	// Typed details are carried by ConflictError, which wraps this sentinel.
	ErrSaveConflict = New("save conflict: stale base version")
)

// -----------------------------------------------------------------------------
// ConflictError
// -----------------------------------------------------------------------------

// ConflictError is returned when a save is rejected because its base version
// no longer matches the backing store's current version. It carries the
// store's authoritative version and content so the caller can decide whether
// to retry against the new base. The coordinator never retries automatically.
type ConflictError struct {
	NoteID         string
	PanelID        string
	CurrentVersion int64
	CurrentContent []byte
}

// NewConflictError creates a ConflictError carrying the store's current state.
func NewConflictError(noteID, panelID string, currentVersion int64, currentContent []byte) *ConflictError {
	return &ConflictError{
		NoteID:         noteID,
		PanelID:        panelID,
		CurrentVersion: currentVersion,
		CurrentContent: currentContent,
	}
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("save conflict for %s/%s: store is at version %d",
		e.NoteID, e.PanelID, e.CurrentVersion)
}

// Is reports whether the target matches this error. ConflictError matches
// the ErrSaveConflict sentinel so callers can test either way.
func (e *ConflictError) Is(target error) bool {
	if target == ErrSaveConflict {
		return true
	}
	_, ok := target.(*ConflictError)
	return ok
}

// -----------------------------------------------------------------------------
// WorkspaceError
// -----------------------------------------------------------------------------

// WorkspaceError represents errors related to workspace residency and
// lifecycle management.
//
// Example:
//
//	err := errors.NewWorkspaceError("open refused", errors.ErrDegraded).WithWorkspaceID("ws-1")
//	fmt.Println(err) // "workspace error [workspace=ws-1]: open refused: engine in degraded mode"
type WorkspaceError struct {
	message     string
	cause       error
	WorkspaceID string
}

// NewWorkspaceError creates a new WorkspaceError.
func NewWorkspaceError(message string, cause error) *WorkspaceError {
	return &WorkspaceError{message: message, cause: cause}
}

// WithWorkspaceID adds a workspace ID to the error context.
func (e *WorkspaceError) WithWorkspaceID(id string) *WorkspaceError {
	e.WorkspaceID = id
	return e
}

// Error returns the formatted error message.
func (e *WorkspaceError) Error() string {
	prefix := "workspace error"
	if e.WorkspaceID != "" {
		prefix = fmt.Sprintf("workspace error [workspace=%s]", e.WorkspaceID)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying error.
func (e *WorkspaceError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *WorkspaceError) Is(target error) bool {
	if _, ok := target.(*WorkspaceError); ok {
		return true
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// -----------------------------------------------------------------------------
// PersistError
// -----------------------------------------------------------------------------

// PersistError represents a non-conflict failure while persisting a document
// (network failure, store unavailable, and the like). These are retryable by
// default: the replay queue picks them up rather than surfacing a conflict.
type PersistError struct {
	message     string
	cause       error
	retryable   bool
	WorkspaceID string
	NoteID      string
	PanelID     string
}

// NewPersistError creates a new PersistError. Persist failures are retryable
// unless marked otherwise with WithRetryable(false).
func NewPersistError(message string, cause error) *PersistError {
	return &PersistError{message: message, cause: cause, retryable: true}
}

// WithWorkspaceID adds a workspace ID to the error context.
func (e *PersistError) WithWorkspaceID(id string) *PersistError {
	e.WorkspaceID = id
	return e
}

// WithDocument adds the document coordinates to the error context.
func (e *PersistError) WithDocument(noteID, panelID string) *PersistError {
	e.NoteID = noteID
	e.PanelID = panelID
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *PersistError) WithRetryable(r bool) *PersistError {
	e.retryable = r
	return e
}

// Retryable reports whether the failed operation may succeed on retry.
func (e *PersistError) Retryable() bool {
	return e.retryable
}

// Error returns the formatted error message.
func (e *PersistError) Error() string {
	var parts []string
	if e.WorkspaceID != "" {
		parts = append(parts, fmt.Sprintf("workspace=%s", e.WorkspaceID))
	}
	if e.NoteID != "" {
		parts = append(parts, fmt.Sprintf("note=%s", e.NoteID))
	}
	if e.PanelID != "" {
		parts = append(parts, fmt.Sprintf("panel=%s", e.PanelID))
	}

	prefix := "persist error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("persist error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying error.
func (e *PersistError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *PersistError) Is(target error) bool {
	if _, ok := target.(*PersistError); ok {
		return true
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsConflict returns true if the error is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSaveConflict)
}

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry. Conflicts are never retryable: the caller must decide
// explicitly whether to rebase onto the new version.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsConflict(err) {
		return false
	}
	var persistErr *PersistError
	if errors.As(err, &persistErr) {
		return persistErr.Retryable()
	}
	return false
}

// IsDegraded returns true if the error indicates the engine refused an
// operation because it is in degraded mode.
func IsDegraded(err error) bool {
	return errors.Is(err, ErrDegraded)
}
