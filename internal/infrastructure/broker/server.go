// Package broker embeds an MQTT broker so meters and dashboards connect
// directly to this process. Devices attach over TCP; dashboards attach
// over MQTT-over-WebSocket and observe the same topic space.
//
// Authentication, ACLs and message routing are supplied by hooks; the
// package itself only manages listeners and lifecycle.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Config contains broker listener options.
type Config struct {
	// Host is the bind address for both listeners.
	Host string

	// Port is the TCP listener port for device connections.
	Port int

	// WebsocketPort is the MQTT-over-WebSocket port for dashboards.
	// Zero disables the websocket listener.
	WebsocketPort int
}

// Server wraps the embedded MQTT broker with lifecycle management.
type Server struct {
	cfg    Config
	broker *mqtt.Server

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	serveErr error
}

// New creates an embedded broker with the inline client enabled so the
// process can publish control messages without a network round trip.
// Hooks must be added before Start.
func New(cfg Config, logger *slog.Logger) *Server {
	opts := &mqtt.Options{
		InlineClient: true,
	}
	if logger != nil {
		opts.Logger = logger
	}
	return &Server{
		cfg:    cfg,
		broker: mqtt.New(opts),
	}
}

// AddHook attaches a hook to the broker. Must be called before Start.
func (s *Server) AddHook(hook mqtt.Hook) error {
	if err := s.broker.AddHook(hook, nil); err != nil {
		return fmt.Errorf("adding broker hook: %w", err)
	}
	return nil
}

// Start binds the listeners and serves in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
	})
	if err := s.broker.AddListener(tcp); err != nil {
		return fmt.Errorf("adding tcp listener: %w", err)
	}

	if s.cfg.WebsocketPort > 0 {
		ws := listeners.NewWebsocket(listeners.Config{
			ID:      "ws",
			Address: fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.WebsocketPort),
		})
		if err := s.broker.AddListener(ws); err != nil {
			return fmt.Errorf("adding websocket listener: %w", err)
		}
	}

	s.done = make(chan struct{})
	go func() {
		err := s.broker.Serve()

		s.mu.Lock()
		s.serveErr = err
		s.running = false
		s.mu.Unlock()
		close(s.done)
	}()

	s.running = true
	return nil
}

// Publish delivers a message through the broker's inline client.
// Subscribed clients receive it exactly as if another client had
// published it.
func (s *Server) Publish(topic string, payload []byte, qos byte) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if topic == "" {
		return ErrInvalidTopic
	}

	if err := s.broker.Publish(topic, payload, false, qos); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// HealthCheck reports whether the broker is serving.
func (s *Server) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		if s.serveErr != nil {
			return fmt.Errorf("%w: %w", ErrNotRunning, s.serveErr)
		}
		return ErrNotRunning
	}
	return nil
}

// Close shuts the broker down, disconnecting all clients.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	done := s.done
	s.mu.Unlock()

	if err := s.broker.Close(); err != nil {
		return fmt.Errorf("closing broker: %w", err)
	}
	if done != nil {
		<-done
	}
	return nil
}
