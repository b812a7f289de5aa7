package device

import "time"

// Device is one registered power meter and its owning user.
//
// Ownership is last-writer-wins: re-registering a meter id overwrites the
// recorded owner. The registry logs owner changes at WARN so reassignment
// is at least visible in the audit trail.
type Device struct {
	// MeterID is the external device identifier (3-32 chars,
	// alphanumeric, underscore, hyphen). Globally unique.
	MeterID string `json:"id"`

	// Name is the display name. Defaults to the meter id.
	Name string `json:"name"`

	// Owner is the username authorized to view and control this meter.
	Owner string `json:"owner"`

	// CreatedAt is when the meter was first seen.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt refreshes on every upsert.
	UpdatedAt time.Time `json:"updated_at"`
}
