// Package dbhealth probes database connectivity on a fixed interval and
// fires edge-triggered callbacks on healthy/unhealthy transitions.
package dbhealth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of a pgx pool the prober needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Status is one observation of database health.
type Status struct {
	Healthy       bool
	Latency       time.Duration
	Error         string
	CheckedAt     time.Time
	ServerVersion string
}

// Config controls the monitor.
type Config struct {
	Interval    time.Duration // default 30s
	OnHealthy   func(Status)
	OnUnhealthy func(Status)
}

const DefaultInterval = 30 * time.Second

// Monitor periodically issues SELECT version(), NOW() and records latency,
// health, and the server version token. Transitions invoke the respective
// callback exactly once per edge.
type Monitor struct {
	db     Querier
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	last   *Status
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. Start must be called to begin probing.
func New(db Querier, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{db: db, cfg: cfg, logger: logger}
}

// Start launches the probe loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.probe(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.probe(loopCtx)
			}
		}
	}()
}

// Stop clears the timer and waits for the loop to exit. Safe to call twice.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Last returns the most recent observation, or nil if the monitor never ran.
func (m *Monitor) Last() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	s := *m.last
	return &s
}

// Check performs a single probe, records it, and fires transition callbacks.
func (m *Monitor) Check(ctx context.Context) Status {
	return m.probe(ctx)
}

func (m *Monitor) probe(ctx context.Context) Status {
	start := time.Now()
	status := Status{CheckedAt: start}

	var version string
	var now time.Time
	err := m.db.QueryRow(ctx, "SELECT version(), NOW()").Scan(&version, &now)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = err.Error()
	} else {
		status.Healthy = true
		status.ServerVersion = versionToken(version)
	}

	m.record(ctx, status)
	return status
}

func (m *Monitor) record(ctx context.Context, status Status) {
	m.mu.Lock()
	prev := m.last
	m.last = &status
	m.mu.Unlock()

	wasHealthy := prev != nil && prev.Healthy
	neverRan := prev == nil

	switch {
	case status.Healthy && (neverRan || !wasHealthy):
		if !neverRan {
			m.logger.InfoContext(ctx, "database recovered", "latency", status.Latency)
		}
		if m.cfg.OnHealthy != nil && !wasHealthy && !neverRan {
			m.cfg.OnHealthy(status)
		}
	case !status.Healthy && (neverRan || wasHealthy):
		m.logger.WarnContext(ctx, "database unhealthy", "error", status.Error)
		if m.cfg.OnUnhealthy != nil {
			m.cfg.OnUnhealthy(status)
		}
	}
}

// versionToken extracts a short version identifier from the full version()
// string, e.g. "PostgreSQL 16.2" from "PostgreSQL 16.2 on x86_64-pc...".
func versionToken(full string) string {
	fields := strings.Fields(full)
	if len(fields) >= 2 {
		return fields[0] + " " + fields[1]
	}
	return full
}
