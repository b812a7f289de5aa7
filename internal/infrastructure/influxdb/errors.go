package influxdb

import "errors"

// Sentinel errors for the telemetry mirror. Use errors.Is to check.
var (
	// ErrDisabled indicates the mirror is switched off in config.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed indicates the server could not be reached.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected indicates an operation on a closed client.
	ErrNotConnected = errors.New("influxdb: not connected")
)
