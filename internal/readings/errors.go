package readings

import "errors"

// Sentinel errors for store operations. Use errors.Is to check.
var (
	// ErrInvalidReading indicates a reading failed the defensive
	// pre-insert check and was not stored.
	ErrInvalidReading = errors.New("readings: invalid reading")

	// ErrInvalidMeterID indicates a meter id that cannot become a
	// table name.
	ErrInvalidMeterID = errors.New("readings: invalid meter id")

	// ErrUnavailable indicates the backing store failed. Ingestion
	// drops the reading; query callers surface service degradation.
	ErrUnavailable = errors.New("readings: store unavailable")
)
