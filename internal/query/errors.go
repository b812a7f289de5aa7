package query

import "errors"

// Sentinel errors for the query surface. Use errors.Is to check.
var (
	// ErrBadInput indicates a parameter outside its accepted range or
	// format.
	ErrBadInput = errors.New("query: bad input")

	// ErrOwnershipDenied indicates the caller does not own the meter.
	// Unknown meters produce the same error so callers can't probe
	// which identifiers exist.
	ErrOwnershipDenied = errors.New("query: ownership denied")
)
