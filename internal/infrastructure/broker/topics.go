package broker

import "strings"

// Topic suffixes understood by the ingestion pipeline. Meters publish
// telemetry to "{meterID}/update" and subscribe to "{meterID}/control"
// for commands.
const (
	updateSuffix  = "/update"
	controlSuffix = "/control"
)

// DeviceUpdate returns the telemetry topic for a meter.
func DeviceUpdate(meterID string) string {
	return meterID + updateSuffix
}

// DeviceControl returns the command topic for a meter.
func DeviceControl(meterID string) string {
	return meterID + controlSuffix
}

// IsUpdateTopic reports whether topic carries meter telemetry. The
// prefix must be a single non-empty level; topics with extra levels or
// wildcards are rejected.
func IsUpdateTopic(topic string) bool {
	id, found := strings.CutSuffix(topic, updateSuffix)
	if !found || id == "" {
		return false
	}
	return !strings.ContainsAny(id, "/#+")
}
