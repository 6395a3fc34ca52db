// Package heartbeat evicts connections that stopped sending frames. It does
// not rely on transport close events, which proxies and NATs can swallow.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/rs/zerolog"
)

// Source is the view of the connection registry the monitor needs. The
// monitor only ever removes entries.
type Source interface {
	StaleSince(cutoff time.Time) []string
	DisconnectConnection(id, reason string) bool
}

// Config holds the sweep interval and the liveness timeout.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor periodically sweeps the source for stale connections.
type Monitor struct {
	cfg       Config
	source    Source
	logger    zerolog.Logger
	now       func() time.Time
	onTimeout func(connectionID string)
}

// New creates a monitor. The timeout must exceed the interval.
func New(cfg Config, source Source, logger zerolog.Logger) (*Monitor, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Timeout <= cfg.Interval {
		return nil, fmt.Errorf("heartbeat timeout %s must exceed interval %s", cfg.Timeout, cfg.Interval)
	}
	return &Monitor{
		cfg:    cfg,
		source: source,
		logger: logger.With().Str("component", "heartbeat").Logger(),
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// OnTimeout registers a callback invoked for each evicted connection.
func (m *Monitor) OnTimeout(cb func(connectionID string)) { m.onTimeout = cb }

// Sweep evicts every connection silent for longer than the timeout and
// returns the evicted ids.
func (m *Monitor) Sweep() []string {
	cutoff := m.now().Add(-m.cfg.Timeout)
	var evicted []string
	for _, id := range m.source.StaleSince(cutoff) {
		// Another path may have removed it since StaleSince; that is fine.
		if !m.source.DisconnectConnection(id, events.ReasonHeartbeatTimeout) {
			continue
		}
		evicted = append(evicted, id)
		if m.onTimeout != nil {
			m.onTimeout(id)
		}
	}
	if len(evicted) > 0 {
		m.logger.Warn().Int("evicted", len(evicted)).Msg("heartbeat timeouts")
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Dur("timeout", m.cfg.Timeout).
		Msg("heartbeat monitor started")

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			m.logger.Info().Msg("heartbeat monitor stopped")
			return
		}
	}
}
