// Package health implements C4: a periodic sweep that scores every
// tracked connection.Connection {HEALTHY, DEGRADED, FAILED, REPAIRING}
// from its State and how long ago it was last tested, and drives bounded
// repair attempts, independent of the pool's own borrow path. This is a
// simpler threshold scheme than the teacher's routing.SLABalancer EWMA +
// composite score — see DESIGN.md for why the fuller formula wasn't
// ported.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ftppool/connection"
)

// Status is a single Connection's health classification (§4.3).
type Status string

const (
	Healthy   Status = "HEALTHY"
	Degraded  Status = "DEGRADED"
	Failed    Status = "FAILED"
	Repairing Status = "REPAIRING"
)

// Label is the coarse pool-wide score exposed to external observers.
type Label string

const (
	Excellent Label = "EXCELLENT"
	Good      Label = "GOOD"
	Fair      Label = "FAIR"
	PoorLabel Label = "POOR"
	DegradedLabel Label = "DEGRADED"
)

// Registry is the subset of connmanager.Manager the monitor needs: a
// read-only view of tracked connections plus a way to ask for a refresh.
// The monitor must not borrow from the pool's public path (§4.3), so it
// depends only on this narrow interface, never on the pool.
type Registry interface {
	Tracked() []*connection.Connection
	Validate(c *connection.Connection) (bool, error)
	Reconnect(ctx context.Context, c *connection.Connection) (bool, error)
}

// Config tunes the monitor's clock and thresholds.
type Config struct {
	Interval          time.Duration // default 30s
	WarningThreshold  time.Duration
	HealthThreshold   time.Duration
	MaxRepairAttempts int // default 3
}

// DefaultConfig returns the §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		WarningThreshold:  10 * time.Second,
		HealthThreshold:   30 * time.Second,
		MaxRepairAttempts: 3,
	}
}

// Monitor is C4: HealthMonitor.
type Monitor struct {
	registry Registry
	cfg      Config
	log      zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]Status

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor. It does not start ticking until Start is called.
func New(registry Registry, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRepairAttempts <= 0 {
		cfg.MaxRepairAttempts = 3
	}
	return &Monitor{
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "health").Logger(),
		statuses: make(map[string]Status),
	}
}

// Start begins the periodic sweep.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts the sweep and waits for the current tick to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one sweep. It is unexported; unit tests in this package call
// it directly instead of waiting on the ticker.
func (m *Monitor) tick(ctx context.Context) {
	conns := m.registry.Tracked()

	m.mu.Lock()
	for _, c := range conns {
		m.statuses[c.ID] = m.classify(c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if m.StatusOf(c.ID) != Failed {
			continue
		}
		if c.RepairAttempts() >= m.cfg.MaxRepairAttempts {
			continue
		}

		m.mu.Lock()
		m.statuses[c.ID] = Repairing
		m.mu.Unlock()

		c.IncrRepairAttempts()
		ok, err := m.registry.Reconnect(ctx, c)
		if err != nil || !ok {
			m.mu.Lock()
			m.statuses[c.ID] = Failed
			m.mu.Unlock()
			continue
		}

		c.ResetRepairAttempts()
		m.mu.Lock()
		m.statuses[c.ID] = Healthy
		m.mu.Unlock()
	}
}

func (m *Monitor) classify(c *connection.Connection) Status {
	if c.State() == connection.Reconnecting {
		return Repairing
	}
	if c.State() == connection.Failed || c.State() == connection.Disconnected {
		return Failed
	}

	sinceTest := time.Since(c.LastTestedAt())
	switch {
	case sinceTest <= m.cfg.WarningThreshold:
		return Healthy
	case sinceTest <= m.cfg.HealthThreshold:
		return Degraded
	default:
		return Failed
	}
}

// StatusOf returns the last-computed status for a connection ID.
func (m *Monitor) StatusOf(id string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[id]; ok {
		return s
	}
	return Healthy
}

// Snapshot is the pool-wide health picture exposed to external observers.
type Snapshot struct {
	Total, Healthy, Degraded, Failed, Repairing int
	Label                                       Label
}

// Score aggregates current statuses into a Snapshot and a coarse Label.
func (m *Monitor) Score() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Snapshot
	for _, st := range m.statuses {
		s.Total++
		switch st {
		case Healthy:
			s.Healthy++
		case Degraded:
			s.Degraded++
		case Failed:
			s.Failed++
		case Repairing:
			s.Repairing++
		}
	}
	s.Label = scoreLabel(s)
	return s
}

func scoreLabel(s Snapshot) Label {
	if s.Total == 0 {
		return Excellent
	}
	successRate := float64(s.Healthy) / float64(s.Total)
	switch {
	case s.Failed == 0 && successRate >= 0.99:
		return Excellent
	case s.Failed <= 1 && successRate >= 0.9:
		return Good
	case successRate >= 0.75:
		return Fair
	case successRate >= 0.5:
		return DegradedLabel
	default:
		return PoorLabel
	}
}
