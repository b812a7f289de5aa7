package device

import "errors"

// Sentinel errors for registry operations. Use errors.Is to check.
var (
	// ErrNotFound indicates no device exists with the given meter id.
	ErrNotFound = errors.New("device: not found")

	// ErrUnavailable indicates the registry's backing store failed.
	// Callers treat this as service degraded, not fatal.
	ErrUnavailable = errors.New("device: registry unavailable")
)
