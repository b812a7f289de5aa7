package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/wattwise/metergrid-core/internal/telemetry"
)

// WriteReading mirrors one accepted meter reading as a point in the
// "meter_readings" measurement, tagged by meter id. The write is
// non-blocking; points are batched and sent asynchronously.
func (c *Client) WriteReading(meterID string, r telemetry.Reading) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"meter_readings",
		map[string]string{
			"meter_id": meterID,
		},
		map[string]interface{}{
			"va": r.Va, "vb": r.Vb, "vc": r.Vc,
			"ia": r.Ia, "ib": r.Ib, "ic": r.Ic,
			"pa": r.Pa, "pb": r.Pb, "pc": r.Pc,
			"pfa": r.PFa, "pfb": r.PFb, "pfc": r.PFc,
			"energy_in": r.Ei, "energy_out": r.Ee, "energy_total": r.Et,
			"total_power": r.TotalPower(),
		},
		r.Timestamp,
	)

	c.writeAPI.WritePoint(point)
}
