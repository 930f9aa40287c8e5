// Package session provides SQLite persistence for conversation logs and
// the full-text chunk index backing lexical retrieval.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/internal/query"
	"github.com/simpleflo/tandem/pkg/models"
)

// Store provides conversation and chunk persistence.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	// writeMu serializes writes; SQLite supports a single writer.
	writeMu sync.Mutex
}

// New opens (and migrates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: observability.Logger("session.store"),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending migrations.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion < 1 {
		if err := s.runMigration001(); err != nil {
			return fmt.Errorf("run migration 001: %w", err)
		}
	}
	return nil
}

// runMigration001 creates the initial schema: session messages, document
// chunks and the FTS5 index over chunk content.
func (s *Store) runMigration001() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			document_name TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			indexed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			document_id UNINDEXED,
			document_name,
			content,
			tokenize='porter unicode61'
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, message_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec("INSERT INTO migrations (version) VALUES (1)")
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Append adds one message to a session's log.
func (s *Store) Append(ctx context.Context, sessionID, role, content string, metadata map[string]string) error {
	var metaJSON []byte
	if len(metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return models.WrapError(models.ErrSessionUnavailable, "marshal message metadata", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, metadata)
		VALUES (?, ?, ?, ?)
	`, sessionID, role, content, string(metaJSON))
	if err != nil {
		return models.WrapError(models.ErrSessionUnavailable, "append message", err)
	}
	return nil
}

// Recent returns the last n messages of a session, most recent first.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]query.Message, error) {
	if n <= 0 {
		n = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, metadata, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY message_id DESC
		LIMIT ?
	`, sessionID, n)
	if err != nil {
		return nil, models.WrapError(models.ErrSessionUnavailable, "query messages", err)
	}
	defer rows.Close()

	var out []query.Message
	for rows.Next() {
		var msg query.Message
		var metaJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.Role, &msg.Content, &metaJSON, &createdAt); err != nil {
			return nil, models.WrapError(models.ErrSessionUnavailable, "scan message", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &msg.Metadata); err != nil {
				s.logger.Warn().Err(err).Msg("corrupt message metadata, skipping")
			}
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			msg.CreatedAt = ts
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SessionCount returns the number of messages in a session.
func (s *Store) SessionCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// PruneSessions deletes messages older than the retention window.
func (s *Store) PruneSessions(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format("2006-01-02 15:04:05")

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, models.WrapError(models.ErrSessionUnavailable, "prune sessions", err)
	}
	return res.RowsAffected()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
