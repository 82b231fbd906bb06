// Package core explicitly wires every component (A-K) into one value
// with no package-level singletons, per the design note that global
// state be replaced with an explicitly constructed, explicitly passed
// Core.
package core

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/auth"
	"github.com/relaymesh/gateway/internal/batch"
	"github.com/relaymesh/gateway/internal/broadcast"
	"github.com/relaymesh/gateway/internal/buffer"
	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/config"
	"github.com/relaymesh/gateway/internal/heartbeat"
	"github.com/relaymesh/gateway/internal/housekeeping"
	"github.com/relaymesh/gateway/internal/metrics"
	"github.com/relaymesh/gateway/internal/observability"
	"github.com/relaymesh/gateway/internal/reconnect"
	"github.com/relaymesh/gateway/internal/registry"
	"github.com/relaymesh/gateway/internal/resourceguard"
	"github.com/relaymesh/gateway/internal/retry"
	"github.com/relaymesh/gateway/internal/router"
	"github.com/relaymesh/gateway/internal/state"
	"github.com/relaymesh/gateway/internal/workerpool"
)

// Core is the fully wired gateway. Every component is a field here;
// nothing is reached through a package-level global.
type Core struct {
	Config *config.Config
	Logger zerolog.Logger

	Metrics *metrics.Metrics
	Audit   *observability.AuditLogger

	Auth        *auth.Validator
	Registry    *registry.Registry
	Heartbeat   *heartbeat.Monitor
	Buffer      *buffer.Manager
	Retry       *retry.Scheduler
	Batch       *batch.Batcher
	Broadcast   *broadcast.Broadcaster
	State       *state.Store
	Reconnect   *reconnect.Handler
	Router      *router.Router
	ResourceGuard *resourceguard.Guard
	Workers     *workerpool.WorkerPool
	Housekeeping *housekeeping.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires every component using cfg, following the explicit-wiring
// design note. Components that depend on one another's outputs (retry
// on buffer, broadcast on registry, batch on broadcast) are constructed
// in dependency order.
func New(cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	audit := observability.NewAuditLogger(logger)

	validator := auth.New(auth.Config{
		Resolver:  auth.StaticSecret(cfg.JWTSecret),
		CacheSize: cfg.TokenCacheSize,
		CacheTTL:  cfg.TokenCacheTTL,
		Logger:    logger,
	})

	reg := registry.New(registry.Config{
		MaxPerUser:      cfg.MaxConnectionsPerUser,
		MaxTotal:        cfg.MaxConnectionsTotal,
		PerConnMsgRate:  cfg.PerConnMsgRatePerSec,
		PerConnMsgBurst: cfg.PerConnMsgBurst,
		SendBufferSize:  1024,
		Logger:          logger,
	})

	stateStore := state.New(cfg.DisconnectSnapshotTTL, cfg.StateSnapshotCacheSize)
	reconnectHandler := reconnect.New(cfg.MinReconnectInterval, cfg.MaxReconnectionAttempts, stateStore)

	guard := resourceguard.New(resourceguard.Config{
		MaxCPUPercent:       cfg.MaxCPUPercent,
		MaxMemoryPercent:    cfg.MaxMemoryPercent,
		ConnRateLimitPerSec: cfg.ConnRateLimitPerSec,
		ConnRateLimitBurst:  cfg.ConnRateLimitBurst,
		IPRateLimitPerSec:   cfg.ConnRateLimitPerSec / 10,
		IPRateLimitBurst:    10,
		IPTTL:               5 * time.Minute,
		Logger:              logger,
	})

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 2 * runtime.GOMAXPROCS(0)
	}
	workers := workerpool.New(workerCount, cfg.WorkerQueueSize, logger)

	c := &Core{
		Config:        cfg,
		Logger:        logger,
		Metrics:       m,
		Audit:         audit,
		Auth:          validator,
		Registry:      reg,
		State:         stateStore,
		Reconnect:     reconnectHandler,
		ResourceGuard: guard,
		Workers:       workers,
		ctx:           ctx,
		cancel:        cancel,
	}

	c.Buffer = buffer.NewManager(*cfg, logger, c.onDeadLetter)

	c.Retry = retry.New(retry.Config{
		Intervals:   cfg.RetryIntervals,
		MaxAttempts: cfg.MaxRetryAttempts,
		Logger:      logger,
	}, c.onRedeliver, c.onRetryExhausted)

	c.Buffer.SetOnNack(c.onBufferNack)

	c.Broadcast = broadcast.New(broadcast.Config{
		ChunkSize:                   cfg.BroadcastChunkSize,
		DisconnectThresholdFailures: cfg.DisconnectThresholdFailures,
		PerConnTimeout:              cfg.BroadcastPerConnTimeout,
		SlowConnections:             m.SlowConnections,
		Logger:                      logger,
		Submit: func(task func()) bool {
			accepted := workers.TrySubmit(task)
			if !accepted {
				m.WorkerPoolDropped.Inc()
			}
			return accepted
		},
		BufferEnqueue: c.onOfflineUserMessage,
	}, reg, c.onSlowClientEvict)

	c.Batch = batch.New(*cfg, c.onBatchFlush)

	c.Heartbeat = heartbeat.New(heartbeat.Config{
		PingInterval: cfg.PingInterval,
		PingTimeout:  cfg.PingTimeout,
		DeadAfter:    cfg.DeadAfter,
		Logger:       logger,
	}, reg, c.onHeartbeatDead)

	hk, err := housekeeping.New(logger)
	if err != nil {
		cancel()
		return nil, err
	}
	c.Housekeeping = hk

	return c, nil
}

func (c *Core) onDeadLetter(msg *buffer.Message, reason string) {
	c.Metrics.DeadLetters.WithLabelValues(reason).Inc()
	c.Audit.Record(observability.SeverityWarning, "dead_letter", map[string]any{
		"message_id": msg.ID, "user_id": msg.UserID, "reason": reason,
	})
	if c.Router != nil {
		var subjects router.Subjects
		_ = c.Router.Publish(subjects.ObservabilityDeadLetter(), msg.Payload)
	}
}

func (c *Core) onRedeliver(e *retry.Entry) {
	c.Buffer.Enqueue(&buffer.Message{
		ID: e.MessageID, UserID: e.UserID, Payload: e.Payload,
		SizeBytes: len(e.Payload), RetryCount: e.RetryCount, Type: codec.TypeMessage,
	})
}

func (c *Core) onRetryExhausted(e *retry.Entry) {
	c.Metrics.RetryExhausted.Inc()
	c.onDeadLetter(&buffer.Message{ID: e.MessageID, UserID: e.UserID, Payload: e.Payload}, "retry_exhausted")
}

// onBufferNack is wired into buffer.Manager as the nack handler: a
// message the buffer couldn't deliver is handed to the retry scheduler,
// which owns backoff timing and eventual dead-lettering on exhaustion.
func (c *Core) onBufferNack(msg *buffer.Message) {
	c.Metrics.RetryScheduled.Inc()
	c.Retry.Schedule(msg.ID, msg.UserID, msg.Payload, msg.RetryCount)
}

// onOfflineUserMessage is the broadcast package's fallback for send_user
// when the target has no live connection: the pre-serialized envelope is
// decoded just enough to recover its type/priority/id for buffering.
func (c *Core) onOfflineUserMessage(userID string, data []byte) error {
	msg := &buffer.Message{
		UserID:    userID,
		Payload:   data,
		SizeBytes: len(data),
		Type:      codec.TypeMessage,
		Priority:  codec.PriorityNormal,
	}
	if env, err := codec.Decode(data); err == nil {
		msg.ID = env.MessageID
		msg.Type = env.Type
		msg.Priority = env.Priority
	}
	return c.Buffer.Enqueue(msg)
}

// flushBufferedMessages delivers any messages a user accumulated while
// offline once they connect, transactionally acking or nacking each
// attempt so a send failure still gets a retry via onBufferNack.
func (c *Core) flushBufferedMessages(conn *registry.Connection) {
	batch := c.Buffer.TakeBatch(conn.UserID, c.Config.MaxBufferSizePerUser)
	if len(batch) == 0 {
		return
	}
	acked := make([]string, 0, len(batch))
	nacked := make([]string, 0, len(batch))
	for _, msg := range batch {
		select {
		case conn.Send <- msg.Payload:
			acked = append(acked, msg.ID)
		default:
			nacked = append(nacked, msg.ID)
		}
	}
	c.Buffer.Ack(acked)
	c.Buffer.Nack(nacked)
}

// onSlowClientEvict is the Broadcaster's and Heartbeat Monitor's shared
// teardown hook. "slow_client" is the one reason that maps onto the
// spec's connection-fatal SLOW_CLIENT error kind (sent before the
// close); the others (write/read socket errors, heartbeat timeout) are
// plain disconnects with no corresponding client-addressable error code.
func (c *Core) onSlowClientEvict(conn *registry.Connection, reason string) {
	if reason == "slow_client" {
		env, err := codec.NewErrorEnvelope(codec.ErrSlowClient, "connection exceeded slow-send failure threshold", nil)
		if err == nil {
			c.sendEnvelope(conn, env)
		}
		c.closeConnection(conn, reason, codec.CloseCodeFor(codec.ErrSlowClient))
		return
	}
	c.closeConnection(conn, reason, codec.CloseNormal)
}

// closeConnection drains the connection's buffer into a disconnect
// snapshot for reconnection replay, then unregisters and closes the
// socket with the given WebSocket close code.
func (c *Core) closeConnection(conn *registry.Connection, reason string, closeCode codec.CloseCode) {
	c.Metrics.DisconnectsByReason.WithLabelValues(reason).Inc()
	pending := c.Buffer.Drain(conn.UserID, c.Config.MaxBufferSizePerUser)
	payloads := make([][]byte, 0, len(pending))
	for _, m := range pending {
		payloads = append(payloads, m.Payload)
	}
	c.Reconnect.Disconnect(conn.UserID, conn.SessionID, payloads)
	c.Registry.UnregisterWithCode(conn.ID, reason, uint16(closeCode))
}

func (c *Core) onHeartbeatDead(conn *registry.Connection) {
	c.onSlowClientEvict(conn, "heartbeat_timeout")
}

func (c *Core) onBatchFlush(targetID string, envelopes []*codec.Envelope) {
	conn, connected := c.Registry.Get(targetID)
	for _, env := range envelopes {
		data, err := codec.Encode(env)
		if err != nil {
			c.Logger.Error().Err(err).Msg("failed to encode batched envelope")
			continue
		}

		if connected {
			select {
			case conn.Send <- data:
				c.Metrics.MessagesSent.Inc()
				continue
			default:
				c.Metrics.MessagesDropped.WithLabelValues("send_buffer_full").Inc()
			}
		}

		if conn != nil {
			c.Metrics.RetryScheduled.Inc()
			c.Retry.Schedule(env.MessageID, conn.UserID, data, 0)
		}
	}
}

// Context returns the Core's lifetime context, cancelled by Shutdown.
func (c *Core) Context() context.Context { return c.ctx }

// Shutdown tears down every background loop in dependency order: flush
// batched sends, best-effort drain every open session's buffer into a
// disconnect snapshot, then stop workers and close sockets going-away.
func (c *Core) Shutdown() {
	c.cancel()
	c.Batch.FlushAll()
	c.drainAndSnapshotAll()
	c.Workers.Stop()
	if c.Housekeeping != nil {
		_ = c.Housekeeping.Stop()
	}
	if c.Router != nil {
		c.Router.Close()
	}
	for _, conn := range c.Registry.All() {
		c.Registry.UnregisterWithCode(conn.ID, "server_shutdown", uint16(codec.CloseGoingAway))
	}
}

// drainAndSnapshotAll best-effort drains every open connection's
// per-user buffer and persists a disconnect snapshot so a client that
// reconnects after a restart can resync instead of losing buffered
// messages outright. Bounded by Config.DrainDeadline: a large connection
// count abandons the remainder rather than stalling shutdown.
func (c *Core) drainAndSnapshotAll() {
	deadline := time.Now().Add(c.Config.DrainDeadline)
	conns := c.Registry.All()
	for i, conn := range conns {
		if time.Now().After(deadline) {
			c.Logger.Warn().Int("remaining", len(conns)-i).Msg("shutdown drain deadline exceeded, abandoning remaining sessions")
			return
		}
		pending := c.Buffer.Drain(conn.UserID, c.Config.MaxBufferSizePerUser)
		payloads := make([][]byte, 0, len(pending))
		for _, m := range pending {
			payloads = append(payloads, m.Payload)
		}
		c.Reconnect.Disconnect(conn.UserID, conn.SessionID, payloads)
	}
}
