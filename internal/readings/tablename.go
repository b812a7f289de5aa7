package readings

import (
	"fmt"

	"github.com/wattwise/metergrid-core/internal/telemetry"
)

// tablePrefix keeps per-meter tables from colliding with anything else
// in the readings database and guarantees the identifier never starts
// with a digit.
const tablePrefix = "m_"

// TableNameFor maps a meter id to its quoted per-meter table name.
//
// Meter ids come from device-controlled input, so every code path that
// builds SQL against a per-meter table goes through this one function.
// The id is validated against the strict identifier charset and the
// result is double-quoted, which SQLite treats as a literal identifier.
func TableNameFor(meterID string) (string, error) {
	if err := telemetry.ValidateMeterID(meterID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidMeterID, err)
	}
	return `"` + tablePrefix + meterID + `"`, nil
}
