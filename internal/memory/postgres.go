package memory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore backs memories with Postgres for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and applies pending migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) Commit(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, scope, scope_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, string(rec.Scope), rec.ScopeID, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recall(ctx context.Context, scope Scope, scopeID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, scope_id, content, created_at FROM memories
		 WHERE scope = $1 AND scope_id = $2 ORDER BY created_at DESC LIMIT $3`,
		string(scope), scopeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Forget(ctx context.Context, scope Scope, scopeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE scope = $1 AND scope_id = $2`,
		string(scope), scopeID,
	)
	if err != nil {
		return fmt.Errorf("forget memories: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
