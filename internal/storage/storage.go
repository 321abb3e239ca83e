// Package storage persists messages, chats, users, groups and subscription
// routes in MySQL. It is the durability layer behind the send endpoints:
// a message is acknowledged to the caller only after the insert here
// succeeds.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/observability"
)

// Config holds the MySQL connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns connection pool defaults suitable for a single
// API node.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store wraps the database handle and exposes the typed queries the rest
// of the system uses.
type Store struct {
	db  *sqlx.DB
	log *observability.Logger
}

// Open connects to MySQL, verifies the connection, and returns a Store.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}

	db, err := sqlx.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, log: defaultLogger()}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		log: observability.NewLogger(observability.LogConfig{Output: io.Discard}),
	}
}

// WithLogger replaces the store's logger and returns the store.
func (s *Store) WithLogger(log *observability.Logger) *Store {
	s.log = log.WithFields("component", "storage")
	return s
}

func defaultLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{}).WithFields("component", "storage")
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// nowMillis is the timestamp written into create_time/update_time columns.
// The schema stores epoch milliseconds, not DATETIME.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// isDuplicateKey reports whether err is a unique-constraint violation.
// Matched on message text so the same check covers MySQL (1062) and the
// SQLite databases some deployments run for local testing.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "1062") ||
		strings.Contains(msg, "UNIQUE constraint")
}

// dbErr wraps a driver error as a database-class error, preserving the
// cause for logs.
func dbErr(op string, err error) error {
	return imerr.Database(op, err)
}
