// Package heartbeat implements a single cooperative sweep loop over the
// connection registry, rather than one ticker goroutine per connection,
// to bound goroutine count under high connection fan-out.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/logging"
	"github.com/relaymesh/gateway/internal/registry"
)

type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	DeadAfter    time.Duration
	Logger       zerolog.Logger
}

// OnDead is invoked once per connection that exceeds DeadAfter without a pong.
type OnDead func(c *registry.Connection)

type Monitor struct {
	cfg      Config
	registry *registry.Registry
	onDead   OnDead
}

func New(cfg Config, reg *registry.Registry, onDead OnDead) *Monitor {
	return &Monitor{cfg: cfg, registry: reg, onDead: onDead}
}

// Run blocks, sweeping the registry every PingInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer logging.RecoverPanic(m.cfg.Logger, "heartbeat.Run", nil)

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := time.Now()
	for _, c := range m.registry.All() {
		silence := now.Sub(c.LastPongAt())

		if silence >= m.cfg.DeadAfter {
			m.cfg.Logger.Warn().Str("connection_id", c.ID).Dur("silence", silence).Msg("connection heartbeat dead")
			m.onDead(c)
			continue
		}

		if silence >= m.cfg.PingTimeout {
			c.SetState(registry.StateDegraded)
			m.cfg.Logger.Debug().Str("connection_id", c.ID).Dur("silence", silence).Msg("connection heartbeat degraded")
		}

		if err := c.Conn.WritePing(); err != nil {
			m.cfg.Logger.Debug().Err(err).Str("connection_id", c.ID).Msg("ping write failed")
			continue
		}
		c.MarkPingSent()
	}
}
