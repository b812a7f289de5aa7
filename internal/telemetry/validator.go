// Package telemetry defines the power-meter reading type and validates
// untrusted device payloads before they reach storage.
//
// Meters publish JSON with fifteen numeric fields per sample: three line
// voltages, three line currents, three phase powers, three power factors
// and three cumulative energy counters (imported, exported, total). A
// payload is accepted as a whole or rejected as a whole; there are no
// partial inserts.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Meter identifier constraints.
const (
	MeterIDMinLength = 3
	MeterIDMaxLength = 32
)

// Physical range limits for incoming samples.
const (
	voltageMin = 0
	voltageMax = 1000
	currentMin = 0
	currentMax = 1000
	pfMin      = -1
	pfMax      = 1
)

var meterIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Reading is one validated telemetry sample.
//
// Energy counters are cumulative running totals maintained by the meter;
// interval consumption is derived later by subtracting counter values, so
// the magnitudes here are unbounded.
type Reading struct {
	Va, Vb, Vc    float64 // line voltages (V)
	Ia, Ib, Ic    float64 // line currents (A)
	Pa, Pb, Pc    float64 // phase powers (W)
	PFa, PFb, PFc float64 // power factors
	Ei, Ee, Et    float64 // imported, exported, total energy counters (kWh)

	Timestamp time.Time
}

// TotalPower returns the summed phase power for this sample.
func (r Reading) TotalPower() float64 {
	return r.Pa + r.Pb + r.Pc
}

// Result reports the outcome of validating one payload. Errors collects
// every problem found so a single rejection names all offending fields.
// Reading is non-nil only when Errors is empty.
type Result struct {
	Reading *Reading
	Errors  []string
}

// Valid reports whether the payload passed every check.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Error joins the collected problems into one log-friendly string.
func (r Result) Error() string {
	return strings.Join(r.Errors, "; ")
}

// Validate parses and checks a raw telemetry payload.
//
// All fifteen numeric fields must be present and finite. Values arriving
// as JSON strings are tolerated if they parse as numbers (some firmware
// revisions stringify readings). Range checks apply only to fields that
// parsed: voltages and currents in [0,1000], power factors in [-1,1].
// A missing "time" field is substituted with now; a malformed one is an
// error. Every problem is collected rather than short-circuiting.
func Validate(raw []byte, now time.Time) Result {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{Errors: []string{"payload is not a JSON object"}}
	}

	var (
		reading Reading
		errs    []string
	)

	fields := []struct {
		name     string
		dst      *float64
		min, max float64
		ranged   bool
	}{
		{"Va", &reading.Va, voltageMin, voltageMax, true},
		{"Vb", &reading.Vb, voltageMin, voltageMax, true},
		{"Vc", &reading.Vc, voltageMin, voltageMax, true},
		{"Ia", &reading.Ia, currentMin, currentMax, true},
		{"Ib", &reading.Ib, currentMin, currentMax, true},
		{"Ic", &reading.Ic, currentMin, currentMax, true},
		{"Pa", &reading.Pa, 0, 0, false},
		{"Pb", &reading.Pb, 0, 0, false},
		{"Pc", &reading.Pc, 0, 0, false},
		{"PFa", &reading.PFa, pfMin, pfMax, true},
		{"PFb", &reading.PFb, pfMin, pfMax, true},
		{"PFc", &reading.PFc, pfMin, pfMax, true},
		{"Ei", &reading.Ei, 0, 0, false},
		{"Ee", &reading.Ee, 0, 0, false},
		{"Et", &reading.Et, 0, 0, false},
	}

	for _, f := range fields {
		rawVal, ok := payload[f.name]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: missing required field", f.name))
			continue
		}

		val, err := parseNumber(rawVal)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f.name, err))
			continue
		}

		if f.ranged && (val < f.min || val > f.max) {
			errs = append(errs, fmt.Sprintf("%s: value %g outside range [%g, %g]", f.name, val, f.min, f.max))
			continue
		}
		*f.dst = val
	}

	reading.Timestamp = now
	if rawTime, ok := payload["time"]; ok {
		ts, err := parseTimestamp(rawTime)
		if err != nil {
			errs = append(errs, fmt.Sprintf("time: %v", err))
		} else {
			reading.Timestamp = ts
		}
	}

	if len(errs) > 0 {
		return Result{Errors: errs}
	}
	return Result{Reading: &reading}
}

// ValidateMeterID checks a device-supplied meter identifier. Identifiers
// become part of table names, so the character set is strict.
func ValidateMeterID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("meter id is empty")
	case len(id) < MeterIDMinLength:
		return fmt.Errorf("meter id %q shorter than %d characters", id, MeterIDMinLength)
	case len(id) > MeterIDMaxLength:
		return fmt.Errorf("meter id %q longer than %d characters", id, MeterIDMaxLength)
	case !meterIDPattern.MatchString(id):
		return fmt.Errorf("meter id %q contains characters outside [A-Za-z0-9_-]", id)
	}
	return nil
}

// ExtractMeterID returns the "espid" field of a raw payload, if present.
// Meters include it so the identifier survives gateway re-publishing
// where the transport client id no longer names the originating device.
func ExtractMeterID(raw []byte) (string, bool) {
	var envelope struct {
		EspID string `json:"espid"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", false
	}
	if envelope.EspID == "" {
		return "", false
	}
	return envelope.EspID, true
}

func parseNumber(raw json.RawMessage) (float64, error) {
	var val float64
	if err := json.Unmarshal(raw, &val); err == nil {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, fmt.Errorf("value is not finite")
		}
		return val, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("value %s is not numeric", compactRaw(raw))
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil || math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, fmt.Errorf("value %q is not numeric", str)
	}
	return val, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	// Numeric timestamps are epoch milliseconds, the unit meter
	// firmware has always sent.
	var millis float64
	if err := json.Unmarshal(raw, &millis); err == nil {
		if millis <= 0 || math.IsNaN(millis) || math.IsInf(millis, 0) {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %g", millis)
		}
		return time.UnixMilli(int64(millis)), nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}, fmt.Errorf("timestamp %s is not a string or number", compactRaw(raw))
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, str); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", str)
}

func compactRaw(raw json.RawMessage) string {
	const limit = 32
	s := string(raw)
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
