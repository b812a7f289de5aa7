package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor periodically health-checks one or more databases and tracks
// their combined availability. Telemetry keeps flowing while storage is
// down (readings are dropped and logged upstream), so the monitor's job
// is to flip availability back on as soon as storage recovers rather
// than to gate ingestion.
type Monitor struct {
	dbs      []*DB
	interval time.Duration
	logger   Logger

	available atomic.Bool

	mu        sync.Mutex
	onRecover func()
}

// NewMonitor creates a monitor polling the given databases at interval.
// Availability starts true; the first failed poll flips it off.
func NewMonitor(interval time.Duration, logger Logger, dbs ...*DB) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		dbs:      dbs,
		interval: interval,
		logger:   logger,
	}
	m.available.Store(true)
	return m
}

// SetOnRecover registers a callback invoked each time availability
// transitions from down to up. Used to re-run idempotent schema setup
// after a reconnection.
func (m *Monitor) SetOnRecover(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecover = fn
}

// Available reports whether the last poll of every database succeeded.
func (m *Monitor) Available() bool {
	return m.available.Load()
}

// Run polls until the context is cancelled. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	healthy := true
	for _, db := range m.dbs {
		if err := db.HealthCheck(checkCtx); err != nil {
			healthy = false
			if m.logger != nil {
				m.logger.Warn("database unavailable",
					"path", db.Path(),
					"error", err,
				)
			}
		}
	}

	was := m.available.Swap(healthy)
	switch {
	case was && !healthy:
		if m.logger != nil {
			m.logger.Warn("storage marked unavailable")
		}
	case !was && healthy:
		if m.logger != nil {
			m.logger.Info("storage recovered")
		}
		m.mu.Lock()
		fn := m.onRecover
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}
