// Package ingest bridges the pub/sub transport to the device registry
// and the readings store.
//
// The coordinator is transport-agnostic: it exposes one entry point per
// connection event (authenticate, connect, message, disconnect) and the
// broker adapter in hook.go wires those to the embedded MQTT server.
// Handlers share no mutable state beyond the injected storage handles,
// so concurrent invocations for different devices never contend.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wattwise/metergrid-core/internal/device"
	"github.com/wattwise/metergrid-core/internal/infrastructure/broker"
	"github.com/wattwise/metergrid-core/internal/readings"
	"github.com/wattwise/metergrid-core/internal/telemetry"
)

// upsertTimeout bounds the detached registry write during connect.
const upsertTimeout = 10 * time.Second

// Registry is the device registry surface the coordinator needs.
type Registry interface {
	Upsert(ctx context.Context, meterID, name, owner string) (*device.Device, error)
}

// Appender is the readings store surface the coordinator needs.
type Appender interface {
	Append(ctx context.Context, meterID string, r telemetry.Reading) (int64, error)
}

// Mirror receives accepted readings on a best-effort basis.
type Mirror interface {
	WriteReading(meterID string, r telemetry.Reading)
}

// Publisher delivers control commands back onto the transport.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// Config contains coordinator behaviour settings.
type Config struct {
	// DevicePassword is the shared secret all meters authenticate with.
	DevicePassword string

	// DashboardPrefix marks client ids belonging to dashboard/UI
	// sessions. Dashboards authenticate like meters but never trigger
	// a device registration.
	DashboardPrefix string

	// ControlQoS is the delivery level for control commands.
	ControlQoS byte
}

// Coordinator authenticates connecting clients and routes telemetry
// into storage.
type Coordinator struct {
	cfg       Config
	registry  Registry
	store     Appender
	mirror    Mirror // nil when no mirror is configured
	publisher Publisher
	logger    *slog.Logger

	// wg tracks detached registry upserts so Close can drain them.
	wg sync.WaitGroup
}

// New creates a coordinator. mirror and publisher may be nil.
func New(cfg Config, registry Registry, store Appender, mirror Mirror, publisher Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		mirror:    mirror,
		publisher: publisher,
		logger:    logger,
	}
}

// Authenticate decides whether a connecting client may attach. All
// clients, meters and dashboards alike, present the shared device
// secret. Usernames are case-folded before any downstream use.
func (c *Coordinator) Authenticate(clientID, username string, password []byte) error {
	if username == "" {
		return fmt.Errorf("%w: missing username", ErrAuthenticationFailed)
	}
	if len(password) == 0 {
		return fmt.Errorf("%w: missing password", ErrAuthenticationFailed)
	}
	if subtle.ConstantTimeCompare(password, []byte(c.cfg.DevicePassword)) != 1 {
		c.logger.Warn("client rejected", "client_id", clientID, "username", normalizeUsername(username))
		return ErrAuthenticationFailed
	}
	return nil
}

// HandleConnect runs after a client authenticates. Meter clients
// trigger a detached, best-effort registry upsert that never blocks or
// fails the connection; dashboard clients are skipped.
func (c *Coordinator) HandleConnect(clientID, username string) {
	if c.isDashboard(clientID) {
		c.logger.Debug("dashboard connected", "client_id", clientID)
		return
	}

	owner := normalizeUsername(username)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registerDevice(clientID, owner)
	}()
}

// registerDevice performs the upsert for a newly connected meter.
// Failures are logged and swallowed.
func (c *Coordinator) registerDevice(meterID, owner string) {
	if err := telemetry.ValidateMeterID(meterID); err != nil {
		c.logger.Warn("skipping device registration", "client_id", meterID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
	defer cancel()

	if _, err := c.registry.Upsert(ctx, meterID, meterID, owner); err != nil {
		c.logger.Error("device registration failed", "meter_id", meterID, "error", err)
		return
	}
	c.logger.Info("device registered", "meter_id", meterID, "owner", owner)
}

// HandleMessage processes one published message. Non-telemetry topics
// are ignored; malformed or unstorable telemetry is logged and dropped
// with no retry. Meters resend on their own interval, so loss here is
// accepted.
func (c *Coordinator) HandleMessage(ctx context.Context, clientID, topic string, payload []byte) {
	if !broker.IsUpdateTopic(topic) {
		return
	}

	// The payload's espid names the meter; without it the reading is
	// credited to the connection that delivered it.
	meterID := clientID
	if id, found := telemetry.ExtractMeterID(payload); found {
		meterID = id
	}
	if err := telemetry.ValidateMeterID(meterID); err != nil {
		c.logger.Warn("dropping reading", "client_id", clientID, "reason", "bad meter id", "error", err)
		return
	}

	result := telemetry.Validate(payload, time.Now())
	if !result.Valid() {
		c.logger.Warn("dropping reading",
			"meter_id", meterID,
			"reason", "validation failed",
			"errors", result.Error(),
		)
		return
	}

	if _, err := c.store.Append(ctx, meterID, *result.Reading); err != nil {
		if errors.Is(err, readings.ErrUnavailable) {
			c.logger.Error("storage unavailable, dropping reading", "meter_id", meterID, "error", err)
		} else {
			c.logger.Error("append failed, dropping reading", "meter_id", meterID, "error", err)
		}
		return
	}

	if c.mirror != nil {
		c.mirror.WriteReading(meterID, *result.Reading)
	}
}

// HandleDisconnect logs a closed connection. In-flight appends already
// dispatched to storage run to completion.
func (c *Coordinator) HandleDisconnect(clientID string, err error) {
	if err != nil {
		c.logger.Info("client disconnected", "client_id", clientID, "error", err)
		return
	}
	c.logger.Debug("client disconnected", "client_id", clientID)
}

// ControlCommand is the payload published to a meter's control topic.
type ControlCommand struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	ID        string    `json:"id"`
}

// SendControl publishes an ON/OFF command to a meter's control topic at
// the configured QoS.
func (c *Coordinator) SendControl(meterID, command, user string) error {
	command = strings.ToUpper(strings.TrimSpace(command))
	if command != "ON" && command != "OFF" {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
	if c.publisher == nil {
		return broker.ErrNotRunning
	}

	payload, err := json.Marshal(ControlCommand{
		Command:   command,
		Timestamp: time.Now().UTC(),
		User:      user,
		ID:        uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encoding control command: %w", err)
	}

	if err := c.publisher.Publish(broker.DeviceControl(meterID), payload, c.cfg.ControlQoS); err != nil {
		return fmt.Errorf("publishing control command for %s: %w", meterID, err)
	}
	c.logger.Info("control command sent", "meter_id", meterID, "command", command, "user", user)
	return nil
}

// Close waits for detached registrations to finish.
func (c *Coordinator) Close() {
	c.wg.Wait()
}

func (c *Coordinator) isDashboard(clientID string) bool {
	return c.cfg.DashboardPrefix != "" && strings.HasPrefix(clientID, c.cfg.DashboardPrefix)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
