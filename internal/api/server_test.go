package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wattwise/metergrid-core/internal/audit"
	"github.com/wattwise/metergrid-core/internal/auth"
	"github.com/wattwise/metergrid-core/internal/device"
	"github.com/wattwise/metergrid-core/internal/infrastructure/config"
	"github.com/wattwise/metergrid-core/internal/infrastructure/database"
	"github.com/wattwise/metergrid-core/internal/infrastructure/logging"
	"github.com/wattwise/metergrid-core/internal/query"
	"github.com/wattwise/metergrid-core/internal/readings"
	"github.com/wattwise/metergrid-core/internal/telemetry"
)

type capturedControl struct {
	meterID, command, user string
}

func (c *capturedControl) SendControl(meterID, command, user string) error {
	c.meterID, c.command, c.user = meterID, command, user
	return nil
}

type testEnv struct {
	server  *Server
	devices *device.SQLiteRepository
	store   *readings.Store
	control *capturedControl
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	metaDB, err := database.Open(database.Config{
		Path: filepath.Join(dir, "meta.db"), WALMode: true, BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening meta db: %v", err)
	}
	t.Cleanup(func() { metaDB.Close() })

	readingsDB, err := database.Open(database.Config{
		Path: filepath.Join(dir, "readings.db"), WALMode: true, BusyTimeout: 5, MaxOpenConns: 4,
	})
	if err != nil {
		t.Fatalf("opening readings db: %v", err)
	}
	t.Cleanup(func() { readingsDB.Close() })

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")

	devRepo := device.NewSQLiteRepository(metaDB, logger.Logger)
	if err := devRepo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("devices schema: %v", err)
	}
	userRepo := auth.NewUserRepository(metaDB)
	if err := userRepo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("users schema: %v", err)
	}
	auditRepo := audit.NewSQLiteRepository(metaDB)
	if err := auditRepo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("audit schema: %v", err)
	}

	store := readings.NewStore(readingsDB, time.UTC, logger.Logger)
	authSvc := auth.NewService(userRepo, "test-secret-at-least-32-characters-long", 60)
	control := &capturedControl{}
	querySvc := query.NewService(devRepo, store, control)

	server, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:  logger,
		Auth:    authSvc,
		Query:   querySvc,
		Audit:   auditRepo,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{server: server, devices: devRepo, store: store, control: control}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// registerAndLogin creates an account and returns its token.
func (e *testEnv) registerAndLogin(t *testing.T, username string) string {
	t.Helper()

	creds := map[string]string{"username": username, "password": "strongpassword"}
	if rec := e.do(t, http.MethodPost, "/api/auth/register", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body)
	}

	rec := e.do(t, http.MethodPost, "/api/auth/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Token == "" {
		t.Fatalf("login response missing token: %v %s", err, rec.Body)
	}
	return resp.Token
}

func (e *testEnv) seedMeter(t *testing.T, meterID, owner string, samples int) {
	t.Helper()

	if _, err := e.devices.Upsert(context.Background(), meterID, "", owner); err != nil {
		t.Fatalf("seeding device: %v", err)
	}
	now := time.Now().UTC()
	for i := 0; i < samples; i++ {
		r := telemetry.Reading{
			Va: 230, Vb: 230, Vc: 230,
			Ia: 5, Ib: 5, Ic: 5,
			Pa: 1000, Pb: 1000, Pc: 1000,
			PFa: 0.98, PFb: 0.98, PFc: 0.98,
			Ei: 100, Ee: 10, Et: float64(500 + 10*i),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		if _, err := e.store.Append(context.Background(), meterID, r); err != nil {
			t.Fatalf("seeding reading: %v", err)
		}
	}
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "alice")

	t.Run("current user", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/auth/user", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body map[string]string
		json.NewDecoder(rec.Body).Decode(&body) //nolint:errcheck // test body
		if body["username"] != "alice" {
			t.Errorf("username = %q", body["username"])
		}
	})

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		creds := map[string]string{"username": "alice", "password": "strongpassword"}
		if rec := env.do(t, http.MethodPost, "/api/auth/register", "", creds); rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("bad credentials unauthorized", func(t *testing.T) {
		creds := map[string]string{"username": "alice", "password": "wrong"}
		if rec := env.do(t, http.MethodPost, "/api/auth/login", "", creds); rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("protected routes reject missing token", func(t *testing.T) {
		for _, path := range []string{"/api/devices/", "/api/sensor-data/ESP_01", "/api/auth/user"} {
			if rec := env.do(t, http.MethodGet, path, "", nil); rec.Code != http.StatusUnauthorized {
				t.Errorf("GET %s status = %d, want 401", path, rec.Code)
			}
		}
	})
}

func TestDeviceEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "alice")
	env.seedMeter(t, "ESP_01", "alice", 3)

	t.Run("list devices", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/devices/", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		var devices []device.Device
		json.NewDecoder(rec.Body).Decode(&devices) //nolint:errcheck // test body
		if len(devices) != 1 || devices[0].MeterID != "ESP_01" {
			t.Errorf("devices = %+v", devices)
		}
	})

	t.Run("rename device", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/api/devices/ESP_01/", token, map[string]string{"name": "Garage"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		var dev device.Device
		json.NewDecoder(rec.Body).Decode(&dev) //nolint:errcheck // test body
		if dev.Name != "Garage" {
			t.Errorf("name = %q", dev.Name)
		}
	})

	t.Run("control command", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/devices/ESP_01/control", token, map[string]string{"command": "ON"})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if env.control.meterID != "ESP_01" || env.control.command != "ON" || env.control.user != "alice" {
			t.Errorf("control = %+v", env.control)
		}
	})
}

func TestReadingEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "alice")
	env.seedMeter(t, "ESP_01", "alice", 5)

	t.Run("sensor data newest first", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/sensor-data/ESP_01?limit=2", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		var rows []readings.StoredReading
		json.NewDecoder(rec.Body).Decode(&rows) //nolint:errcheck // test body
		if len(rows) != 2 || rows[0].Et != 540 {
			t.Errorf("rows = %+v", rows)
		}
	})

	t.Run("daily energy window", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/daily-energy/ESP_01?days=7", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		var rows []readings.DailyEnergy
		json.NewDecoder(rec.Body).Decode(&rows) //nolint:errcheck // test body
		if len(rows) != 7 {
			t.Fatalf("window = %d days", len(rows))
		}
		if rows[6].EnergyDelta != 40 {
			t.Errorf("today's delta = %g, want 40", rows[6].EnergyDelta)
		}
	})

	t.Run("today energy", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/today-energy/ESP_01", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var summary readings.TodaySummary
		json.NewDecoder(rec.Body).Decode(&summary) //nolint:errcheck // test body
		if summary.EnergyDelta != 40 || summary.SampleCount != 5 {
			t.Errorf("summary = %+v", summary)
		}
	})

	t.Run("monthly energy", func(t *testing.T) {
		year := time.Now().UTC().Year()
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/monthly-energy/ESP_01?year=%d", year), token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var rows []readings.MonthlyEnergy
		json.NewDecoder(rec.Body).Decode(&rows) //nolint:errcheck // test body
		if len(rows) != 12 {
			t.Errorf("months = %d", len(rows))
		}
	})

	t.Run("bad query parameters", func(t *testing.T) {
		for _, path := range []string{
			"/api/sensor-data/ESP_01?limit=abc",
			"/api/sensor-data/ESP_01?limit=-1",
			"/api/daily-energy/ESP_01?days=9999",
			"/api/daily-energy/ESP_01?month=nope",
			"/api/monthly-energy/ESP_01?year=1200",
		} {
			if rec := env.do(t, http.MethodGet, path, token, nil); rec.Code != http.StatusBadRequest {
				t.Errorf("GET %s status = %d, want 400", path, rec.Code)
			}
		}
	})
}

func TestOwnershipDenied(t *testing.T) {
	env := newTestEnv(t)
	env.seedMeter(t, "ESP_01", "alice", 1)
	_ = env.registerAndLogin(t, "alice")
	malloryToken := env.registerAndLogin(t, "mallory")

	paths := []string{
		"/api/devices/ESP_01/",
		"/api/sensor-data/ESP_01",
		"/api/daily-energy/ESP_01",
		"/api/today-energy/ESP_01",
		"/api/today-power/ESP_01",
		"/api/monthly-energy/ESP_01",
		// Unknown meters look exactly the same
		"/api/devices/ghost_meter/",
		"/api/sensor-data/ghost_meter",
	}
	for _, path := range paths {
		if rec := env.do(t, http.MethodGet, path, malloryToken, nil); rec.Code != http.StatusForbidden {
			t.Errorf("GET %s status = %d, want 403", path, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/devices/ESP_01/control", malloryToken, map[string]string{"command": "ON"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("control status = %d, want 403", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	json.NewDecoder(rec.Body).Decode(&body) //nolint:errcheck // test body
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("health = %+v", body)
	}
}

func TestActivityTrail(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "alice")
	env.seedMeter(t, "ESP_01", "alice", 0)

	// Generate some activity beyond the register and login entries.
	env.do(t, http.MethodPatch, "/api/devices/ESP_01", token, map[string]string{"name": "Garage"})
	env.do(t, http.MethodPost, "/api/devices/ESP_01/control", token, map[string]string{"command": "ON"})

	rec := env.do(t, http.MethodGet, "/api/audit", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d, body %s", rec.Code, rec.Body)
	}
	var res audit.ListResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decoding audit response: %v", err)
	}
	if res.Total != 4 {
		t.Fatalf("audit total = %d, want 4 (register, login, rename, control)", res.Total)
	}
	actions := map[string]bool{}
	for _, e := range res.Entries {
		if e.Username != "alice" {
			t.Errorf("entry username = %q, want alice", e.Username)
		}
		actions[e.Action] = true
	}
	for _, want := range []string{audit.ActionRegister, audit.ActionLogin, audit.ActionRename, audit.ActionControl} {
		if !actions[want] {
			t.Errorf("missing %q entry in %v", want, actions)
		}
	}

	t.Run("action filter", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/audit?action=control", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var res audit.ListResult
		json.NewDecoder(rec.Body).Decode(&res) //nolint:errcheck // test body
		if res.Total != 1 || res.Entries[0].MeterID != "ESP_01" {
			t.Errorf("filtered result = %+v", res)
		}
		if got := res.Entries[0].Details["command"]; got != "ON" {
			t.Errorf("control details = %v, want command ON", res.Entries[0].Details)
		}
	})

	t.Run("per-meter trail is ownership checked", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/devices/ESP_01/audit", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		var res audit.ListResult
		json.NewDecoder(rec.Body).Decode(&res) //nolint:errcheck // test body
		if res.Total != 2 {
			t.Errorf("meter trail total = %d, want 2 (rename, control)", res.Total)
		}

		malloryToken := env.registerAndLogin(t, "mallory")
		if rec := env.do(t, http.MethodGet, "/api/devices/ESP_01/audit", malloryToken, nil); rec.Code != http.StatusForbidden {
			t.Errorf("non-owner status = %d, want 403", rec.Code)
		}
	})

	t.Run("other users see their own trail only", func(t *testing.T) {
		bobToken := env.registerAndLogin(t, "bob")
		rec := env.do(t, http.MethodGet, "/api/audit", bobToken, nil)
		var res audit.ListResult
		json.NewDecoder(rec.Body).Decode(&res) //nolint:errcheck // test body
		for _, e := range res.Entries {
			if e.Username != "bob" {
				t.Errorf("bob's trail contains %q entry", e.Username)
			}
		}
	})
}
