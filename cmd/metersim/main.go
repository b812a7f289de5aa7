// Metersim publishes synthetic three-phase meter telemetry to a
// Metergrid broker. It follows a rough daily demand curve (low
// overnight, peaks morning and evening) so dashboards and energy
// aggregates look plausible during development.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/wattwise/metergrid-core/internal/infrastructure/broker"
)

const nominalVoltage = 230.0

type simulator struct {
	rng *rand.Rand

	// Cumulative counters carried across samples (kWh).
	imported float64
	exported float64
	total    float64
}

type sample struct {
	EspID string  `json:"espid"`
	Va    float64 `json:"Va"`
	Vb    float64 `json:"Vb"`
	Vc    float64 `json:"Vc"`
	Ia    float64 `json:"Ia"`
	Ib    float64 `json:"Ib"`
	Ic    float64 `json:"Ic"`
	Pa    float64 `json:"Pa"`
	Pb    float64 `json:"Pb"`
	Pc    float64 `json:"Pc"`
	PFa   float64 `json:"PFa"`
	PFb   float64 `json:"PFb"`
	PFc   float64 `json:"PFc"`
	Ei    float64 `json:"Ei"`
	Ee    float64 `json:"Ee"`
	Et    float64 `json:"Et"`
	Time  string  `json:"time"`
}

// demandFactor maps an hour of day onto a 0.2-1.0 load factor with a
// morning and an evening peak.
func demandFactor(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	morning := math.Exp(-math.Pow(hour-8, 2) / 8)
	evening := math.Exp(-math.Pow(hour-19, 2) / 6)
	return 0.2 + 0.8*math.Max(morning, evening)
}

func (s *simulator) next(now time.Time, interval time.Duration, basePower float64) sample {
	load := demandFactor(now)
	jitter := func(spread float64) float64 { return 1 + spread*(s.rng.Float64()*2-1) }

	phasePower := func() float64 { return basePower / 3 * load * jitter(0.10) }
	pa, pb, pc := phasePower(), phasePower(), phasePower()

	va := nominalVoltage * jitter(0.01)
	vb := nominalVoltage * jitter(0.01)
	vc := nominalVoltage * jitter(0.01)

	pf := func() float64 { return 0.95 + 0.04*s.rng.Float64() }
	pfa, pfb, pfc := pf(), pf(), pf()

	// Advance the cumulative counters by this interval's consumption.
	hours := interval.Hours()
	s.imported += (pa + pb + pc) / 1000 * hours
	s.total = s.imported - s.exported

	return sample{
		Va: round1(va), Vb: round1(vb), Vc: round1(vc),
		Ia: round2(pa / (va * pfa)), Ib: round2(pb / (vb * pfb)), Ic: round2(pc / (vc * pfc)),
		Pa: round1(pa), Pb: round1(pb), Pc: round1(pc),
		PFa: round2(pfa), PFb: round2(pfb), PFc: round2(pfc),
		Ei: round3(s.imported), Ee: round3(s.exported), Et: round3(s.total),
		Time: now.UTC().Format(time.RFC3339),
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func main() {
	var (
		brokerURL = flag.String("broker", "tcp://localhost:1883", "broker URL")
		meterID   = flag.String("id", "ESP_SIM_01", "meter identifier (client id and topic)")
		username  = flag.String("username", "demo", "owning username")
		password  = flag.String("password", "", "shared device password")
		interval  = flag.Duration("interval", 5*time.Second, "publish interval")
		basePower = flag.Float64("power", 4500, "peak total power in watts")
	)
	flag.Parse()

	if *password == "" {
		fmt.Fprintln(os.Stderr, "Error: -password is required")
		os.Exit(1)
	}

	opts := paho.NewClientOptions().
		AddBroker(*brokerURL).
		SetClientID(*meterID).
		SetUsername(*username).
		SetPassword(*password).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Fprintf(os.Stderr, "Error: connecting to broker: %v\n", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)
	fmt.Printf("connected to %s as %s, publishing every %s\n", *brokerURL, *meterID, *interval)

	sim := &simulator{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // G404: simulation noise, not crypto
		imported: 1000 + 500*rand.Float64(),                       //nolint:gosec // G404: starting counter offset
	}
	sim.total = sim.imported

	topic := broker.DeviceUpdate(*meterID)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			fmt.Println("stopping")
			return
		case now := <-ticker.C:
			s := sim.next(now, *interval, *basePower)
			s.EspID = *meterID
			payload, err := json.Marshal(s)
			if err != nil {
				fmt.Fprintf(os.Stderr, "encoding sample: %v\n", err)
				continue
			}
			if token := client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
				fmt.Fprintf(os.Stderr, "publishing: %v\n", token.Error())
			}
		}
	}
}
