package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	scope      TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories (scope, scope_id, created_at);
`

// SQLiteStore is the default single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; one connection avoids lock
	// contention errors under concurrent commits.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, scope, scope_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Scope), rec.ScopeID, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recall(ctx context.Context, scope Scope, scopeID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, scope_id, content, created_at FROM memories
		 WHERE scope = ? AND scope_id = ? ORDER BY created_at DESC LIMIT ?`,
		string(scope), scopeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) Forget(ctx context.Context, scope Scope, scopeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE scope = ? AND scope_id = ?`,
		string(scope), scopeID,
	)
	if err != nil {
		return fmt.Errorf("forget memories: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var scope string
		if err := rows.Scan(&rec.ID, &scope, &rec.ScopeID, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		rec.Scope = Scope(scope)
		out = append(out, rec)
	}
	return out, rows.Err()
}
