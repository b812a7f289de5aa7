package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second

	// connMaxIdleTime is how long idle connections are kept open.
	connMaxIdleTime = 30 * time.Minute
)

// DB wraps a sql.DB connection for one of Metergrid's logical databases
// (metadata or readings). It provides health checks and lifecycle management.
type DB struct {
	*sql.DB
	path string
}

// Config contains SQLite connection options for a single database file.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// WALMode enables Write-Ahead Logging for better concurrent access.
	// Recommended: true (allows concurrent reads during writes).
	WALMode bool

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	// Prevents "database is locked" errors under contention.
	BusyTimeout int

	// MaxOpenConns bounds the connection pool. Zero means one connection
	// (SQLite supports a single writer); the readings database uses a small
	// pool so aggregation reads don't queue behind ingestion writes.
	MaxOpenConns int
}

// Open creates a new database connection with the specified configuration.
//
// It creates the database directory if needed, opens the file with WAL and
// busy-timeout pragmas, configures the connection pool, and verifies the
// connection with a ping.
func Open(cfg Config) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Build connection string with pragmas
	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	db := &DB{
		DB:   sqlDB,
		path: cfg.Path,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	// Set file permissions (owner read/write only)
	// Ignore error - file might not exist yet on first run, will be set after first write
	_ = os.Chmod(cfg.Path, filePermissions)

	return db, nil
}

// OpenWithRetry opens a database, retrying with capped exponential backoff.
//
// The first retry waits retry.InitialDelay seconds and each subsequent wait
// doubles up to retry.MaxDelay. retry.MaxAttempts of zero retries until the
// context is cancelled. Used at process startup so a slow-starting storage
// volume doesn't kill the ingestion path.
func OpenWithRetry(ctx context.Context, cfg Config, retry RetryPolicy, log Logger) (*DB, error) {
	delay := retry.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	ceiling := retry.MaxDelay
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		db, err := Open(cfg)
		if err == nil {
			return db, nil
		}
		lastErr = err

		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return nil, fmt.Errorf("opening database after %d attempts: %w", attempt, lastErr)
		}
		if log != nil {
			log.Warn("database connection failed, retrying",
				"path", cfg.Path,
				"attempt", attempt,
				"retry_in", delay.String(),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("opening database: %w (last error: %w)", ctx.Err(), lastErr)
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ceiling {
			delay = ceiling
		}
	}
}

// RetryPolicy describes backoff behaviour for the initial connection.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Logger is the minimal logging interface the database package needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Close closes the database connection gracefully.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck verifies the database is accessible and functioning.
// It performs a simple query to ensure the connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Stats returns database connection pool statistics.
// Useful for monitoring and debugging connection issues.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}
