package router

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Dispatch receives every message matched to a known subject kind.
type Dispatch func(p Parsed, data []byte)

type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        zerolog.Logger
}

// Router wraps a NATS connection, subscribing to the gateway's ingress
// wildcard subjects and classifying each message before dispatch.
type Router struct {
	conn      *nats.Conn
	logger    zerolog.Logger
	unmatched atomic.Int64

	sub *nats.Subscription
}

func Connect(cfg Config) (*Router, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			cfg.Logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			cfg.Logger.Error().Err(err).Msg("nats async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("router: connect nats: %w", err)
	}

	return &Router{conn: conn, logger: cfg.Logger}, nil
}

// Subscribe listens on the three ingress wildcard subjects and routes
// each message through Parse before calling dispatch.
func (r *Router) Subscribe(dispatch Dispatch) error {
	sub, err := r.conn.Subscribe("broadcast.>", func(m *nats.Msg) { r.handle(m, dispatch) })
	if err != nil {
		return fmt.Errorf("router: subscribe broadcast: %w", err)
	}
	r.sub = sub

	if _, err := r.conn.Subscribe("user.>", func(m *nats.Msg) { r.handle(m, dispatch) }); err != nil {
		return fmt.Errorf("router: subscribe user: %w", err)
	}
	if _, err := r.conn.Subscribe("session.>", func(m *nats.Msg) { r.handle(m, dispatch) }); err != nil {
		return fmt.Errorf("router: subscribe session: %w", err)
	}
	return nil
}

func (r *Router) handle(m *nats.Msg, dispatch Dispatch) {
	p := Parse(m.Subject)
	if p.Kind == KindUnmatched {
		r.unmatched.Add(1)
		r.logger.Debug().Str("subject", m.Subject).Msg("unmatched router subject")
		return
	}
	dispatch(p, m.Data)
}

// Publish sends a raw payload to a subject, used for observability events.
func (r *Router) Publish(subject string, data []byte) error {
	return r.conn.Publish(subject, data)
}

func (r *Router) UnmatchedCount() int64 { return r.unmatched.Load() }

func (r *Router) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.conn.Close()
}
