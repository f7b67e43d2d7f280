// Package store provides the SQLite-backed versioned document store.
// It implements the persist.DocumentStore contract: a save is accepted only
// when the claimed base version matches the stored version, enforced by a
// compare-and-swap UPDATE inside a transaction.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atelier-notes/atelier/internal/errors"
	"github.com/atelier-notes/atelier/internal/persist"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed document store.
// Uses WAL mode for concurrent read access during writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// LoadDocument returns the stored {content, version} for a document.
// Absent documents return errors.ErrDocumentNotFound.
func (s *Store) LoadDocument(ctx context.Context, noteID, panelID string) (*persist.Document, error) {
	var doc persist.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT content, version FROM documents
		WHERE note_id = ? AND panel_id = ?
	`, noteID, panelID).Scan(&doc.Content, &doc.Version)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return &doc, nil
}

// SaveDocument stores content at version if baseVersion matches the current
// stored version. A first write requires baseVersion 0. On mismatch a
// *errors.ConflictError carrying the store's current version and content is
// returned and nothing is written.
func (s *Store) SaveDocument(ctx context.Context, noteID, panelID string, content []byte, version, baseVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save document: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var current persist.Document
	err = tx.QueryRowContext(ctx, `
		SELECT content, version FROM documents
		WHERE note_id = ? AND panel_id = ?
	`, noteID, panelID).Scan(&current.Content, &current.Version)

	switch {
	case err == sql.ErrNoRows:
		if baseVersion != 0 {
			return errors.NewConflictError(noteID, panelID, 0, nil)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (note_id, panel_id, content, version)
			VALUES (?, ?, ?, ?)
		`, noteID, panelID, content, version); err != nil {
			return fmt.Errorf("save document: insert: %w", err)
		}

	case err != nil:
		return fmt.Errorf("save document: read current: %w", err)

	default:
		if current.Version != baseVersion {
			return errors.NewConflictError(noteID, panelID, current.Version, current.Content)
		}
		// Compare-and-swap: the WHERE clause re-checks the version so a
		// concurrent writer between the read and this update still loses.
		res, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET content = ?, version = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE note_id = ? AND panel_id = ? AND version = ?
		`, content, version, noteID, panelID, baseVersion)
		if err != nil {
			return fmt.Errorf("save document: update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save document: rows affected: %w", err)
		}
		if affected == 0 {
			return errors.NewConflictError(noteID, panelID, current.Version, current.Content)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save document: commit: %w", err)
	}
	return nil
}

// AppendPendingSave journals a failed save so the replay queue survives a
// process restart. Appending the same operation id twice is a no-op.
func (s *Store) AppendPendingSave(ctx context.Context, op persist.PendingSave) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_saves
			(id, note_id, panel_id, content, version, base_version, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.NoteID, op.PanelID, op.Content, op.Version, op.BaseVersion, op.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("append pending save: %w", err)
	}
	return nil
}

// LoadPendingSaves returns all journaled saves in enqueue order.
func (s *Store) LoadPendingSaves(ctx context.Context) ([]persist.PendingSave, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, panel_id, content, version, base_version, enqueued_at
		FROM pending_saves ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending saves: %w", err)
	}
	defer rows.Close()

	var ops []persist.PendingSave
	for rows.Next() {
		var op persist.PendingSave
		if err := rows.Scan(&op.ID, &op.NoteID, &op.PanelID, &op.Content,
			&op.Version, &op.BaseVersion, &op.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("load pending saves: scan: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load pending saves: %w", err)
	}
	return ops, nil
}

// RemovePendingSave drops a journaled save by operation id. Absent ids are a
// no-op.
func (s *Store) RemovePendingSave(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_saves WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove pending save: %w", err)
	}
	return nil
}

// DeleteDocument removes a document. Absent documents are a no-op.
func (s *Store) DeleteDocument(ctx context.Context, noteID, panelID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE note_id = ? AND panel_id = ?
	`, noteID, panelID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// DocumentCount returns the number of stored documents.
func (s *Store) DocumentCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("document count: %w", err)
	}
	return count, nil
}
