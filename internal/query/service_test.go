package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wattwise/metergrid-core/internal/device"
	"github.com/wattwise/metergrid-core/internal/readings"
)

type fakeRegistry struct {
	devices map[string]*device.Device
	renamed map[string]string
	err     error
}

func (f *fakeRegistry) Upsert(_ context.Context, meterID, name, owner string) (*device.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	dev := &device.Device{MeterID: meterID, Name: name, Owner: owner}
	f.devices[meterID] = dev
	return dev, nil
}

func (f *fakeRegistry) GetByMeterID(_ context.Context, meterID string) (*device.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	dev, ok := f.devices[meterID]
	if !ok {
		return nil, device.ErrNotFound
	}
	return dev, nil
}

func (f *fakeRegistry) ListByOwner(_ context.Context, owner string) ([]*device.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*device.Device
	for _, dev := range f.devices {
		if dev.Owner == owner {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (f *fakeRegistry) UpdateName(_ context.Context, meterID, name string) error {
	if f.err != nil {
		return f.err
	}
	if f.renamed == nil {
		f.renamed = map[string]string{}
	}
	f.renamed[meterID] = name
	return nil
}

type fakeStore struct {
	latestLimit int
	days        int
	monthYear   int
	month       time.Month
	year        int
}

func (f *fakeStore) Latest(_ context.Context, _ string, limit int) ([]readings.StoredReading, error) {
	f.latestLimit = limit
	return []readings.StoredReading{}, nil
}

func (f *fakeStore) DailyEnergy(_ context.Context, _ string, windowDays int) ([]readings.DailyEnergy, error) {
	f.days = windowDays
	return []readings.DailyEnergy{}, nil
}

func (f *fakeStore) DailyEnergyForMonth(_ context.Context, _ string, year int, month time.Month) ([]readings.DailyEnergy, error) {
	f.monthYear, f.month = year, month
	return []readings.DailyEnergy{}, nil
}

func (f *fakeStore) TodayEnergy(_ context.Context, _ string) (readings.TodaySummary, error) {
	return readings.TodaySummary{}, nil
}

func (f *fakeStore) TodayPower(_ context.Context, _ string) ([]readings.PowerSample, error) {
	return []readings.PowerSample{}, nil
}

func (f *fakeStore) MonthlyEnergy(_ context.Context, _ string, year int) ([]readings.MonthlyEnergy, error) {
	f.year = year
	return []readings.MonthlyEnergy{}, nil
}

type fakeControl struct {
	meterID, command, user string
}

func (f *fakeControl) SendControl(meterID, command, user string) error {
	f.meterID, f.command, f.user = meterID, command, user
	return nil
}

func setup() (*Service, *fakeRegistry, *fakeStore, *fakeControl) {
	reg := &fakeRegistry{devices: map[string]*device.Device{
		"ESP_01": {MeterID: "ESP_01", Name: "Lab meter", Owner: "alice"},
	}}
	store := &fakeStore{}
	control := &fakeControl{}
	return NewService(reg, store, control), reg, store, control
}

func TestOwnershipEnforcement(t *testing.T) {
	svc, _, _, _ := setup()
	ctx := context.Background()

	// Every per-meter operation, called as the wrong user and against
	// an unknown meter, must come back ErrOwnershipDenied.
	ops := map[string]func(owner, meterID string) error{
		"Device": func(o, m string) error {
			_, err := svc.Device(ctx, o, m)
			return err
		},
		"RenameDevice": func(o, m string) error {
			return svc.RenameDevice(ctx, o, m, "new name")
		},
		"LatestReadings": func(o, m string) error {
			_, err := svc.LatestReadings(ctx, o, m, 10)
			return err
		},
		"DailyEnergy": func(o, m string) error {
			_, err := svc.DailyEnergy(ctx, o, m, 7, "")
			return err
		},
		"TodayEnergy": func(o, m string) error {
			_, err := svc.TodayEnergy(ctx, o, m)
			return err
		},
		"TodayPower": func(o, m string) error {
			_, err := svc.TodayPower(ctx, o, m)
			return err
		},
		"MonthlyEnergy": func(o, m string) error {
			_, err := svc.MonthlyEnergy(ctx, o, m, 2026)
			return err
		},
		"SendControl": func(o, m string) error {
			return svc.SendControl(ctx, o, m, "ON")
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op("mallory", "ESP_01"); !errors.Is(err, ErrOwnershipDenied) {
				t.Errorf("%s as non-owner error = %v, want ErrOwnershipDenied", name, err)
			}
			if err := op("alice", "ghost_meter"); !errors.Is(err, ErrOwnershipDenied) {
				t.Errorf("%s on unknown meter error = %v, want ErrOwnershipDenied", name, err)
			}
			if err := op("alice", "ESP_01"); err != nil {
				t.Errorf("%s as owner error = %v", name, err)
			}
		})
	}
}

func TestInputValidation(t *testing.T) {
	svc, _, store, _ := setup()
	ctx := context.Background()

	t.Run("latest limit", func(t *testing.T) {
		if _, err := svc.LatestReadings(ctx, "alice", "ESP_01", 0); err != nil {
			t.Fatalf("default limit error = %v", err)
		}
		if store.latestLimit != 100 {
			t.Errorf("default limit = %d, want 100", store.latestLimit)
		}

		for _, bad := range []int{-1, 20001} {
			if _, err := svc.LatestReadings(ctx, "alice", "ESP_01", bad); !errors.Is(err, ErrBadInput) {
				t.Errorf("limit %d error = %v, want ErrBadInput", bad, err)
			}
		}
	})

	t.Run("daily window", func(t *testing.T) {
		if _, err := svc.DailyEnergy(ctx, "alice", "ESP_01", 0, ""); err != nil {
			t.Fatalf("default days error = %v", err)
		}
		if store.days != 30 {
			t.Errorf("default days = %d, want 30", store.days)
		}

		for _, bad := range []int{-5, 366} {
			if _, err := svc.DailyEnergy(ctx, "alice", "ESP_01", bad, ""); !errors.Is(err, ErrBadInput) {
				t.Errorf("days %d error = %v, want ErrBadInput", bad, err)
			}
		}
	})

	t.Run("month form", func(t *testing.T) {
		if _, err := svc.DailyEnergy(ctx, "alice", "ESP_01", 0, "2026-02"); err != nil {
			t.Fatalf("month form error = %v", err)
		}
		if store.monthYear != 2026 || store.month != time.February {
			t.Errorf("month routed as %d-%v", store.monthYear, store.month)
		}

		for _, bad := range []string{"2026", "02-2026", "2026-13", "last month"} {
			if _, err := svc.DailyEnergy(ctx, "alice", "ESP_01", 0, bad); !errors.Is(err, ErrBadInput) {
				t.Errorf("month %q error = %v, want ErrBadInput", bad, err)
			}
		}
	})

	t.Run("year", func(t *testing.T) {
		if _, err := svc.MonthlyEnergy(ctx, "alice", "ESP_01", 0); err != nil {
			t.Fatalf("default year error = %v", err)
		}
		if store.year != time.Now().Year() {
			t.Errorf("default year = %d", store.year)
		}

		for _, bad := range []int{1999, 2101} {
			if _, err := svc.MonthlyEnergy(ctx, "alice", "ESP_01", bad); !errors.Is(err, ErrBadInput) {
				t.Errorf("year %d error = %v, want ErrBadInput", bad, err)
			}
		}
	})

	t.Run("control command", func(t *testing.T) {
		for _, bad := range []string{"", "on", "TOGGLE"} {
			if err := svc.SendControl(ctx, "alice", "ESP_01", bad); !errors.Is(err, ErrBadInput) {
				t.Errorf("command %q error = %v, want ErrBadInput", bad, err)
			}
		}
	})

	// Bad input is rejected before the ownership check runs, so an
	// attacker probing with invalid parameters learns nothing either way.
	t.Run("bad input precedes ownership", func(t *testing.T) {
		if _, err := svc.LatestReadings(ctx, "mallory", "ESP_01", -1); !errors.Is(err, ErrBadInput) {
			t.Errorf("error = %v, want ErrBadInput", err)
		}
	})
}

func TestRenameDevice(t *testing.T) {
	svc, reg, _, _ := setup()

	if err := svc.RenameDevice(context.Background(), "alice", "ESP_01", "Garage"); err != nil {
		t.Fatalf("RenameDevice() error = %v", err)
	}
	if reg.renamed["ESP_01"] != "Garage" {
		t.Errorf("renamed = %v", reg.renamed)
	}

	if err := svc.RenameDevice(context.Background(), "alice", "ESP_01", ""); !errors.Is(err, ErrBadInput) {
		t.Errorf("empty name error = %v, want ErrBadInput", err)
	}
}

func TestSendControlDelegation(t *testing.T) {
	svc, _, _, control := setup()

	if err := svc.SendControl(context.Background(), "alice", "ESP_01", "OFF"); err != nil {
		t.Fatalf("SendControl() error = %v", err)
	}
	if control.meterID != "ESP_01" || control.command != "OFF" || control.user != "alice" {
		t.Errorf("control call = %+v", control)
	}
}

func TestRegistryUnavailablePropagates(t *testing.T) {
	svc, reg, _, _ := setup()
	reg.err = device.ErrUnavailable

	if _, err := svc.Device(context.Background(), "alice", "ESP_01"); !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable passthrough", err)
	}
}
