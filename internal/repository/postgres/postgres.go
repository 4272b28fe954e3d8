package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relay-one/dispatch-engine/internal/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool

	queryTimeout time.Duration
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.PoolSize)
	poolConfig.MinConns = int32(cfg.MinIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool, queryTimeout: cfg.QueryTimeout}, nil
}

// queryCtx bounds one Store operation with the configured query timeout.
func (db *DB) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// Migrate runs all pending up-migrations from the migrations/ directory.
// It is idempotent: already-applied migrations are skipped.
func Migrate(databaseURL string) error {
	// golang-migrate's pgx/v5 driver expects the scheme "pgx5://".
	var rest string
	switch {
	case strings.HasPrefix(databaseURL, "postgresql://"):
		rest = databaseURL[len("postgresql://"):]
	case strings.HasPrefix(databaseURL, "postgres://"):
		rest = databaseURL[len("postgres://"):]
	default:
		rest = databaseURL
	}

	m, err := migrate.New("file://migrations", "pgx5://"+rest)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
