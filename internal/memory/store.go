// Package memory persists long-term agent memories across restarts. Two
// backends exist: a zero-setup sqlite file (default) and Postgres for
// multi-node deployments.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/mindroomhq/mindroom/internal/config"
)

// Scope partitions memories by owner.
type Scope string

const (
	ScopeAgent  Scope = "agent"
	ScopeRoom   Scope = "room"
	ScopeTeam   Scope = "team"
	ScopeThread Scope = "thread"
)

// Record is one stored memory.
type Record struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	ScopeID   string    `json:"scope_id"` // agent id, room id, team id, or thread root event id
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence contract used by the reply pipeline.
type Store interface {
	// Commit stores a new memory. The record's ID and CreatedAt are filled
	// in when empty.
	Commit(ctx context.Context, rec Record) error
	// Recall returns the most recent memories for a scope, newest first,
	// capped at limit.
	Recall(ctx context.Context, scope Scope, scopeID string, limit int) ([]Record, error)
	// Forget removes every memory in a scope.
	Forget(ctx context.Context, scope Scope, scopeID string) error
	Close() error
}

// Open creates the store selected by the config.
func Open(cfg config.MemoryConfig) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = config.ExpandHome("~/.mindroom/memory.db")
		}
		return OpenSQLite(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires MINDROOM_POSTGRES_DSN")
		}
		return OpenPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}
