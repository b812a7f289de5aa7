package ingest

import "errors"

// Sentinel errors for ingestion. Use errors.Is to check.
var (
	// ErrAuthenticationFailed indicates a connecting client presented
	// bad credentials. The message is deliberately generic so devices
	// can't probe which part was wrong.
	ErrAuthenticationFailed = errors.New("ingest: authentication failed")

	// ErrInvalidCommand indicates a control command outside ON/OFF.
	ErrInvalidCommand = errors.New("ingest: invalid control command")
)
