package readings

import (
	"time"

	"github.com/wattwise/metergrid-core/internal/telemetry"
)

// StoredReading is a reading with its server-assigned row identity.
type StoredReading struct {
	ID int64 `json:"row_id"`
	telemetry.Reading
}

// DailyEnergy is consumption for one calendar day in the site timezone.
// Days with no samples report a zero delta and zero count.
type DailyEnergy struct {
	Date        string  `json:"date"` // YYYY-MM-DD
	EnergyDelta float64 `json:"energy"`
	SampleCount int     `json:"samples"`
}

// TodaySummary is the consumption summary for the current site-local day.
// StartTime and EndTime are nil when no samples have arrived today.
type TodaySummary struct {
	EnergyDelta  float64    `json:"energy"`
	StartCounter float64    `json:"start_counter"`
	EndCounter   float64    `json:"end_counter"`
	SampleCount  int        `json:"samples"`
	StartTime    *time.Time `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
}

// PowerSample is one point on today's power curve.
type PowerSample struct {
	Time       time.Time `json:"time"`
	Va         float64   `json:"va"`
	Vb         float64   `json:"vb"`
	Vc         float64   `json:"vc"`
	Pa         float64   `json:"pa"`
	Pb         float64   `json:"pb"`
	Pc         float64   `json:"pc"`
	TotalPower float64   `json:"total_power"`
}

// MonthlyEnergy is consumption for one calendar month.
type MonthlyEnergy struct {
	Month       string  `json:"month"` // YYYY-MM
	EnergyDelta float64 `json:"energy"`
	SampleCount int     `json:"samples"`
}
