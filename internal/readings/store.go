// Package readings owns per-meter time-series storage and the energy
// aggregations derived from it.
//
// Each meter gets its own append-only table, provisioned lazily on the
// first accepted reading. Energy consumption over an interval is the
// max-min delta of the meter's cumulative total-energy counter across
// that interval's rows, clamped to zero on apparent counter decrease.
// The delta form tolerates irregular sampling and never double counts.
package readings

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/wattwise/metergrid-core/internal/infrastructure/database"
	"github.com/wattwise/metergrid-core/internal/telemetry"
)

// recordedAtLayout is RFC 3339 with a fixed-width nanosecond fraction.
// recorded_at is compared and ordered as text in SQL, which is only
// correct when every value has the same width and zone suffix; all
// values are stored in UTC.
const recordedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists readings and computes aggregates, one table per meter.
//
// Day and month buckets are computed in the site timezone. The local
// day is resolved once at insert time and stored alongside the sample,
// so aggregation queries are plain GROUP BYs with no timezone math.
type Store struct {
	db     *database.DB
	loc    *time.Location
	logger *slog.Logger

	// provisioned caches table names already ensured this process
	// lifetime. The DDL is idempotent, so the cache is an optimization
	// and losing a race to populate it is harmless.
	mu          sync.RWMutex
	provisioned map[string]struct{}
}

// NewStore creates a store over an open readings database. loc sets the
// calendar used for day and month bucketing; nil means UTC.
func NewStore(db *database.DB, loc *time.Location, logger *slog.Logger) *Store {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:          db,
		loc:         loc,
		logger:      logger,
		provisioned: map[string]struct{}{},
	}
}

// ResetProvisionCache forgets which tables have been ensured. Called
// after a storage reconnection so the next append per meter re-runs the
// idempotent DDL.
func (s *Store) ResetProvisionCache() {
	s.mu.Lock()
	s.provisioned = map[string]struct{}{}
	s.mu.Unlock()
}

// Append validates, provisions if needed, and inserts one reading.
// Returns the assigned row id.
func (s *Store) Append(ctx context.Context, meterID string, r telemetry.Reading) (int64, error) {
	table, err := TableNameFor(meterID)
	if err != nil {
		return 0, err
	}
	if err := checkFinite(r); err != nil {
		return 0, err
	}

	if err := s.ensureTable(ctx, table); err != nil {
		return 0, err
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (recorded_at, local_day,
			va, vb, vc, ia, ib, ic, pa, pb, pc, pfa, pfb, pfc, ei, ee, et)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, table)

	res, err := s.db.ExecContext(ctx, query,
		ts.UTC().Format(recordedAtLayout), ts.In(s.loc).Format(time.DateOnly),
		r.Va, r.Vb, r.Vc, r.Ia, r.Ib, r.Ic,
		r.Pa, r.Pb, r.Pc, r.PFa, r.PFb, r.PFc,
		r.Ei, r.Ee, r.Et,
	)
	if err != nil {
		return 0, fmt.Errorf("appending reading for %s: %w: %w", meterID, ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("appending reading for %s: %w: %w", meterID, ErrUnavailable, err)
	}
	return id, nil
}

// Latest returns up to limit readings, most recent first. A meter with
// no table yet yields an empty slice, not an error.
func (s *Store) Latest(ctx context.Context, meterID string, limit int) ([]StoredReading, error) {
	table, err := TableNameFor(meterID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, recorded_at,
			va, vb, vc, ia, ib, ic, pa, pb, pc, pfa, pfb, pfc, ei, ee, et
		FROM %s ORDER BY id DESC LIMIT ?
	`, table)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		if isMissingTable(err) {
			return []StoredReading{}, nil
		}
		return nil, fmt.Errorf("querying latest for %s: %w: %w", meterID, ErrUnavailable, err)
	}
	defer rows.Close() //nolint:errcheck // Read-only iteration

	out := []StoredReading{}
	for rows.Next() {
		var (
			sr StoredReading
			ts string
		)
		err := rows.Scan(&sr.ID, &ts,
			&sr.Va, &sr.Vb, &sr.Vc, &sr.Ia, &sr.Ib, &sr.Ic,
			&sr.Pa, &sr.Pb, &sr.Pc, &sr.PFa, &sr.PFb, &sr.PFc,
			&sr.Ei, &sr.Ee, &sr.Et,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning reading: %w: %w", ErrUnavailable, err)
		}
		if sr.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w: %w", ErrUnavailable, err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w: %w", ErrUnavailable, err)
	}
	return out, nil
}

// DailyEnergy returns one entry per calendar day for the last windowDays
// days including today, oldest first, zero-filled for days with no
// samples. A meter with no table yields a fully zero-filled window.
func (s *Store) DailyEnergy(ctx context.Context, meterID string, windowDays int) ([]DailyEnergy, error) {
	today := time.Now().In(s.loc)
	start := today.AddDate(0, 0, -(windowDays - 1))
	return s.dailyEnergyRange(ctx, meterID, start, today)
}

// DailyEnergyForMonth returns one entry per day of the given calendar
// month, zero-filled, oldest first.
func (s *Store) DailyEnergyForMonth(ctx context.Context, meterID string, year int, month time.Month) ([]DailyEnergy, error) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, s.loc)
	last := first.AddDate(0, 1, -1)
	return s.dailyEnergyRange(ctx, meterID, first, last)
}

func (s *Store) dailyEnergyRange(ctx context.Context, meterID string, start, end time.Time) ([]DailyEnergy, error) {
	table, err := TableNameFor(meterID)
	if err != nil {
		return nil, err
	}

	startDay := start.Format(time.DateOnly)
	endDay := end.Format(time.DateOnly)

	query := fmt.Sprintf(`
		SELECT local_day, MAX(et) - MIN(et), COUNT(*)
		FROM %s
		WHERE local_day BETWEEN ? AND ?
		GROUP BY local_day
	`, table)

	byDay := map[string]DailyEnergy{}
	rows, err := s.db.QueryContext(ctx, query, startDay, endDay)
	if err != nil && !isMissingTable(err) {
		return nil, fmt.Errorf("querying daily energy for %s: %w: %w", meterID, ErrUnavailable, err)
	}
	if err == nil {
		defer rows.Close() //nolint:errcheck // Read-only iteration
		for rows.Next() {
			var d DailyEnergy
			if err := rows.Scan(&d.Date, &d.EnergyDelta, &d.SampleCount); err != nil {
				return nil, fmt.Errorf("scanning daily energy: %w: %w", ErrUnavailable, err)
			}
			d.EnergyDelta = clampDelta(d.EnergyDelta)
			byDay[d.Date] = d
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating daily energy: %w: %w", ErrUnavailable, err)
		}
	}

	var out []DailyEnergy
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		if d, ok := byDay[key]; ok {
			out = append(out, d)
		} else {
			out = append(out, DailyEnergy{Date: key})
		}
	}
	return out, nil
}

// TodayEnergy summarizes consumption for the current site-local day.
func (s *Store) TodayEnergy(ctx context.Context, meterID string) (TodaySummary, error) {
	table, err := TableNameFor(meterID)
	if err != nil {
		return TodaySummary{}, err
	}

	query := fmt.Sprintf(`
		SELECT MIN(et), MAX(et), COUNT(*), MIN(recorded_at), MAX(recorded_at)
		FROM %s WHERE local_day = ?
	`, table)

	var (
		minEt, maxEt    sql.NullFloat64
		count           int
		firstAt, lastAt sql.NullString
	)
	today := time.Now().In(s.loc).Format(time.DateOnly)
	err = s.db.QueryRowContext(ctx, query, today).Scan(&minEt, &maxEt, &count, &firstAt, &lastAt)
	if err != nil {
		if isMissingTable(err) {
			return TodaySummary{}, nil
		}
		return TodaySummary{}, fmt.Errorf("querying today energy for %s: %w: %w", meterID, ErrUnavailable, err)
	}
	if count == 0 {
		return TodaySummary{}, nil
	}

	summary := TodaySummary{
		EnergyDelta:  clampDelta(maxEt.Float64 - minEt.Float64),
		StartCounter: minEt.Float64,
		EndCounter:   maxEt.Float64,
		SampleCount:  count,
	}
	if firstAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, firstAt.String); err == nil {
			summary.StartTime = &ts
		}
	}
	if lastAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, lastAt.String); err == nil {
			summary.EndTime = &ts
		}
	}
	return summary, nil
}

// TodayPower returns today's power curve in ascending time order. Empty
// when the meter has no table or no rows today.
func (s *Store) TodayPower(ctx context.Context, meterID string) ([]PowerSample, error) {
	table, err := TableNameFor(meterID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT recorded_at, va, vb, vc, pa, pb, pc
		FROM %s WHERE local_day = ?
		ORDER BY recorded_at ASC
	`, table)

	today := time.Now().In(s.loc).Format(time.DateOnly)
	rows, err := s.db.QueryContext(ctx, query, today)
	if err != nil {
		if isMissingTable(err) {
			return []PowerSample{}, nil
		}
		return nil, fmt.Errorf("querying today power for %s: %w: %w", meterID, ErrUnavailable, err)
	}
	defer rows.Close() //nolint:errcheck // Read-only iteration

	out := []PowerSample{}
	for rows.Next() {
		var (
			p  PowerSample
			ts string
		)
		if err := rows.Scan(&ts, &p.Va, &p.Vb, &p.Vc, &p.Pa, &p.Pb, &p.Pc); err != nil {
			return nil, fmt.Errorf("scanning power sample: %w: %w", ErrUnavailable, err)
		}
		if p.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w: %w", ErrUnavailable, err)
		}
		p.TotalPower = p.Pa + p.Pb + p.Pc
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating power samples: %w: %w", ErrUnavailable, err)
	}
	return out, nil
}

// MonthlyEnergy returns twelve entries for the given year, zero-filled,
// January first.
func (s *Store) MonthlyEnergy(ctx context.Context, meterID string, year int) ([]MonthlyEnergy, error) {
	table, err := TableNameFor(meterID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT substr(local_day, 1, 7), MAX(et) - MIN(et), COUNT(*)
		FROM %s
		WHERE local_day LIKE ?
		GROUP BY substr(local_day, 1, 7)
	`, table)

	byMonth := map[string]MonthlyEnergy{}
	rows, err := s.db.QueryContext(ctx, query, fmt.Sprintf("%04d-%%", year))
	if err != nil && !isMissingTable(err) {
		return nil, fmt.Errorf("querying monthly energy for %s: %w: %w", meterID, ErrUnavailable, err)
	}
	if err == nil {
		defer rows.Close() //nolint:errcheck // Read-only iteration
		for rows.Next() {
			var m MonthlyEnergy
			if err := rows.Scan(&m.Month, &m.EnergyDelta, &m.SampleCount); err != nil {
				return nil, fmt.Errorf("scanning monthly energy: %w: %w", ErrUnavailable, err)
			}
			m.EnergyDelta = clampDelta(m.EnergyDelta)
			byMonth[m.Month] = m
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating monthly energy: %w: %w", ErrUnavailable, err)
		}
	}

	out := make([]MonthlyEnergy, 0, 12)
	for month := 1; month <= 12; month++ {
		key := fmt.Sprintf("%04d-%02d", year, month)
		if m, ok := byMonth[key]; ok {
			out = append(out, m)
		} else {
			out = append(out, MonthlyEnergy{Month: key})
		}
	}
	return out, nil
}

// ensureTable provisions a per-meter table. The statement is idempotent
// and safe under concurrent first-writers for the same meter.
func (s *Store) ensureTable(ctx context.Context, table string) error {
	s.mu.RLock()
	_, done := s.provisioned[table]
	s.mu.RUnlock()
	if done {
		return nil
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at TEXT NOT NULL,
			local_day   TEXT NOT NULL,
			va REAL NOT NULL, vb REAL NOT NULL, vc REAL NOT NULL,
			ia REAL NOT NULL, ib REAL NOT NULL, ic REAL NOT NULL,
			pa REAL NOT NULL, pb REAL NOT NULL, pc REAL NOT NULL,
			pfa REAL NOT NULL, pfb REAL NOT NULL, pfc REAL NOT NULL,
			ei REAL NOT NULL, ee REAL NOT NULL, et REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s ON %s(local_day);
	`, table, indexNameFor(table), table)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("provisioning table %s: %w: %w", table, ErrUnavailable, err)
	}

	s.mu.Lock()
	s.provisioned[table] = struct{}{}
	s.mu.Unlock()
	return nil
}

func indexNameFor(table string) string {
	return `"` + strings.Trim(table, `"`) + `_day_idx"`
}

// checkFinite is the defensive re-check before insert. Validated
// payloads can't fail it; direct callers of Append might.
func checkFinite(r telemetry.Reading) error {
	for name, v := range map[string]float64{
		"Va": r.Va, "Vb": r.Vb, "Vc": r.Vc,
		"Ia": r.Ia, "Ib": r.Ib, "Ic": r.Ic,
		"Pa": r.Pa, "Pb": r.Pb, "Pc": r.Pc,
		"PFa": r.PFa, "PFb": r.PFb, "PFc": r.PFc,
		"Ei": r.Ei, "Ee": r.Ee, "Et": r.Et,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: field %s is not finite", ErrInvalidReading, name)
		}
	}
	return nil
}

// clampDelta floors negative deltas to zero. A counter reset inside the
// bucket would otherwise report negative consumption.
func clampDelta(delta float64) float64 {
	if delta < 0 {
		return 0
	}
	return delta
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
