// Package device tracks which meter identifiers belong to which user.
//
// Meters register themselves on first authenticated contact; the registry
// upserts the mapping and refreshes it on every subsequent connection.
// Devices are never deleted here.
package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wattwise/metergrid-core/internal/infrastructure/database"
)

// Repository defines device registry operations.
type Repository interface {
	// Upsert inserts or updates a device keyed by meter id. On conflict
	// the display name and owner are overwritten and the update
	// timestamp refreshed.
	Upsert(ctx context.Context, meterID, name, owner string) (*Device, error)

	// GetByMeterID retrieves a device. Returns ErrNotFound if absent.
	GetByMeterID(ctx context.Context, meterID string) (*Device, error)

	// ListByOwner returns a user's devices, most recently updated first.
	ListByOwner(ctx context.Context, owner string) ([]*Device, error)

	// UpdateName changes a device's display name. Returns ErrNotFound
	// if the device does not exist.
	UpdateName(ctx context.Context, meterID, name string) error
}

// SQLiteRepository implements Repository backed by the metadata database.
type SQLiteRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewSQLiteRepository creates a registry over an open metadata database.
func NewSQLiteRepository(db *database.DB, logger *slog.Logger) *SQLiteRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRepository{db: db, logger: logger}
}

// EnsureSchema creates the devices table if it does not exist. Safe to
// call repeatedly, including after a storage reconnection.
func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS devices (
			meter_id   TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			owner      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating devices schema: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Upsert inserts or updates a device record.
func (r *SQLiteRepository) Upsert(ctx context.Context, meterID, name, owner string) (*Device, error) {
	if name == "" {
		name = meterID
	}

	// Owner reassignment is last-writer-wins; surface it in the logs
	// so identifier squatting is at least observable.
	if existing, err := r.GetByMeterID(ctx, meterID); err == nil && existing.Owner != owner {
		r.logger.Warn("device owner reassigned",
			"meter_id", meterID,
			"previous_owner", existing.Owner,
			"new_owner", owner,
		)
	}

	now := time.Now().UTC()
	const query = `
		INSERT INTO devices (meter_id, name, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(meter_id) DO UPDATE SET
			name       = excluded.name,
			owner      = excluded.owner,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		meterID, name, owner,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting device %s: %w: %w", meterID, ErrUnavailable, err)
	}

	return r.GetByMeterID(ctx, meterID)
}

// GetByMeterID retrieves a single device record.
func (r *SQLiteRepository) GetByMeterID(ctx context.Context, meterID string) (*Device, error) {
	const query = `
		SELECT meter_id, name, owner, created_at, updated_at
		FROM devices WHERE meter_id = ?
	`
	dev, err := scanDevice(r.db.QueryRowContext(ctx, query, meterID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", meterID, ErrNotFound)
		}
		return nil, fmt.Errorf("querying device %s: %w: %w", meterID, ErrUnavailable, err)
	}
	return dev, nil
}

// ListByOwner returns all devices registered to a username.
func (r *SQLiteRepository) ListByOwner(ctx context.Context, owner string) ([]*Device, error) {
	const query = `
		SELECT meter_id, name, owner, created_at, updated_at
		FROM devices WHERE owner = ?
		ORDER BY updated_at DESC, meter_id
	`
	rows, err := r.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("listing devices for %s: %w: %w", owner, ErrUnavailable, err)
	}
	defer rows.Close() //nolint:errcheck // Read-only iteration

	var devices []*Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w: %w", ErrUnavailable, err)
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w: %w", ErrUnavailable, err)
	}
	return devices, nil
}

// UpdateName changes the display name of an existing device.
func (r *SQLiteRepository) UpdateName(ctx context.Context, meterID, name string) error {
	const query = `UPDATE devices SET name = ?, updated_at = ? WHERE meter_id = ?`
	res, err := r.db.ExecContext(ctx, query, name, time.Now().UTC().Format(time.RFC3339), meterID)
	if err != nil {
		return fmt.Errorf("renaming device %s: %w: %w", meterID, ErrUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renaming device %s: %w: %w", meterID, ErrUnavailable, err)
	}
	if affected == 0 {
		return fmt.Errorf("device %s: %w", meterID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		dev                  Device
		createdAt, updatedAt string
	)
	if err := row.Scan(&dev.MeterID, &dev.Name, &dev.Owner, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if dev.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if dev.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &dev, nil
}
