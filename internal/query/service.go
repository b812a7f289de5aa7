// Package query is the read side consumed by the API layer. Every
// per-meter operation checks that the caller owns the meter before any
// data or command crosses the boundary.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wattwise/metergrid-core/internal/device"
	"github.com/wattwise/metergrid-core/internal/readings"
)

// Parameter bounds for query inputs.
const (
	defaultLatestLimit = 100
	maxLatestLimit     = 20000

	defaultWindowDays = 30
	maxWindowDays     = 365

	minYear = 2000
	maxYear = 2100
)

// ReadingsStore is the aggregation surface the service delegates to.
type ReadingsStore interface {
	Latest(ctx context.Context, meterID string, limit int) ([]readings.StoredReading, error)
	DailyEnergy(ctx context.Context, meterID string, windowDays int) ([]readings.DailyEnergy, error)
	DailyEnergyForMonth(ctx context.Context, meterID string, year int, month time.Month) ([]readings.DailyEnergy, error)
	TodayEnergy(ctx context.Context, meterID string) (readings.TodaySummary, error)
	TodayPower(ctx context.Context, meterID string) ([]readings.PowerSample, error)
	MonthlyEnergy(ctx context.Context, meterID string, year int) ([]readings.MonthlyEnergy, error)
}

// ControlSender delivers commands to meters.
type ControlSender interface {
	SendControl(meterID, command, user string) error
}

// Service enforces ownership and input validation in front of the
// registry and the readings store.
type Service struct {
	registry device.Repository
	store    ReadingsStore
	control  ControlSender
}

// NewService creates a query service. control may be nil when the
// transport is not running; SendControl then fails cleanly.
func NewService(registry device.Repository, store ReadingsStore, control ControlSender) *Service {
	return &Service{registry: registry, store: store, control: control}
}

// DevicesForOwner lists the caller's meters, most recently updated
// first. No ownership check needed; the result set is scoped by owner.
func (s *Service) DevicesForOwner(ctx context.Context, owner string) ([]*device.Device, error) {
	return s.registry.ListByOwner(ctx, owner)
}

// Device returns one of the caller's meters.
func (s *Service) Device(ctx context.Context, owner, meterID string) (*device.Device, error) {
	return s.authorize(ctx, owner, meterID)
}

// RenameDevice changes the display name of one of the caller's meters.
func (s *Service) RenameDevice(ctx context.Context, owner, meterID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrBadInput)
	}
	if _, err := s.authorize(ctx, owner, meterID); err != nil {
		return err
	}
	return s.registry.UpdateName(ctx, meterID, name)
}

// LatestReadings returns up to limit recent readings, newest first.
// limit zero means the default; out-of-range limits are rejected.
func (s *Service) LatestReadings(ctx context.Context, owner, meterID string, limit int) ([]readings.StoredReading, error) {
	if limit == 0 {
		limit = defaultLatestLimit
	}
	if limit < 1 || limit > maxLatestLimit {
		return nil, fmt.Errorf("%w: limit must be 1-%d", ErrBadInput, maxLatestLimit)
	}
	if _, err := s.authorize(ctx, owner, meterID); err != nil {
		return nil, err
	}
	return s.store.Latest(ctx, meterID, limit)
}

// DailyEnergy returns per-day consumption. When month is non-empty it
// selects a calendar month ("YYYY-MM") and days is ignored; otherwise
// days selects a trailing window ending today (zero means the default).
func (s *Service) DailyEnergy(ctx context.Context, owner, meterID string, days int, month string) ([]readings.DailyEnergy, error) {
	if month != "" {
		parsed, err := time.Parse("2006-01", month)
		if err != nil {
			return nil, fmt.Errorf("%w: month must be YYYY-MM", ErrBadInput)
		}
		if _, err := s.authorize(ctx, owner, meterID); err != nil {
			return nil, err
		}
		return s.store.DailyEnergyForMonth(ctx, meterID, parsed.Year(), parsed.Month())
	}

	if days == 0 {
		days = defaultWindowDays
	}
	if days < 1 || days > maxWindowDays {
		return nil, fmt.Errorf("%w: days must be 1-%d", ErrBadInput, maxWindowDays)
	}
	if _, err := s.authorize(ctx, owner, meterID); err != nil {
		return nil, err
	}
	return s.store.DailyEnergy(ctx, meterID, days)
}

// TodayEnergy summarizes today's consumption.
func (s *Service) TodayEnergy(ctx context.Context, owner, meterID string) (readings.TodaySummary, error) {
	if _, err := s.authorize(ctx, owner, meterID); err != nil {
		return readings.TodaySummary{}, err
	}
	return s.store.TodayEnergy(ctx, meterID)
}

// TodayPower returns today's power curve in ascending time order.
func (s *Service) TodayPower(ctx context.Context, owner, meterID string) ([]readings.PowerSample, error) {
	if _, err := s.authorize(ctx, owner, meterID); err != nil {
		return nil, err
	}
	return s.store.TodayPower(ctx, meterID)
}

// MonthlyEnergy returns twelve per-month entries for a year. Year zero
// means the current year.
func (s *Service) MonthlyEnergy(ctx context.Context, owner, meterID string, year int) ([]readings.MonthlyEnergy, error) {
	if year == 0 {
		year = time.Now().Year()
	}
	if year < minYear || year > maxYear {
		return nil, fmt.Errorf("%w: year must be %d-%d", ErrBadInput, minYear, maxYear)
	}
	if _, err := s.authorize(ctx, owner, meterID); err != nil {
		return nil, err
	}
	return s.store.MonthlyEnergy(ctx, meterID, year)
}

// SendControl publishes an ON/OFF command to one of the caller's
// meters.
func (s *Service) SendControl(ctx context.Context, owner, meterID, command string) error {
	if command != "ON" && command != "OFF" {
		return fmt.Errorf("%w: command must be ON or OFF", ErrBadInput)
	}
	if _, err := s.authorize(ctx, owner, meterID); err != nil {
		return err
	}
	if s.control == nil {
		return fmt.Errorf("control transport not available")
	}
	return s.control.SendControl(meterID, command, owner)
}

// authorize resolves a meter and checks the caller owns it. Unknown
// meters map to ErrOwnershipDenied so the error never reveals whether
// an identifier exists.
func (s *Service) authorize(ctx context.Context, owner, meterID string) (*device.Device, error) {
	dev, err := s.registry.GetByMeterID(ctx, meterID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			return nil, fmt.Errorf("meter %s: %w", meterID, ErrOwnershipDenied)
		}
		return nil, err
	}
	if dev.Owner != owner {
		return nil, fmt.Errorf("meter %s: %w", meterID, ErrOwnershipDenied)
	}
	return dev, nil
}
