package dbpool

import (
	"database/sql"
	"fmt"

	"github.com/VigilPay/server/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool manages a single PostgreSQL connection pool. The storage layer
// and the admin tooling open the database through this one path so the pool
// settings from config are applied consistently.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens a PostgreSQL connection pool, verifies it with a ping
// and applies the configured pool settings.
func NewSharedPool(connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the connection pool. Call once at shutdown; sql.DB.Close is
// safe to call multiple times.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
