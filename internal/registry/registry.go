// Package registry owns the live set of connections: registration,
// per-user and per-room indexes, per-pool caps, and per-connection rate
// limiting. The registry is the single owner of every socket; no other
// component ever calls Conn.Close directly.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaymesh/gateway/internal/transport"
)

// State is the connection lifecycle state. A connection starts CONNECTING
// during the handshake, moves to OPEN once registered, may degrade to
// DEGRADED under slow-client pressure, and ends at CLOSING then CLOSED.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateDegraded:
		return "DEGRADED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is a single live WebSocket connection record.
type Connection struct {
	ID        string
	UserID    string
	SessionID string
	Role      string

	Conn transport.Conn
	Send chan []byte
	done chan struct{}

	Subscriptions *SubscriptionSet
	Limiter       *rate.Limiter

	ConnectedAt time.Time

	state        atomic.Int32
	lastPingAt   atomic.Int64 // unix nano
	lastPongAt   atomic.Int64
	failureCount atomic.Int32
	closeOnce    sync.Once
	closed       atomic.Bool
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// SetState transitions the connection's lifecycle state. A connection
// already CLOSED never moves back to an earlier state.
func (c *Connection) SetState(s State) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(s))
}

func (c *Connection) MarkPingSent() { c.lastPingAt.Store(time.Now().UnixNano()) }

// MarkPongReceived records a pong and clears any DEGRADED state the
// connection had been pushed into by a stalled heartbeat or slow send.
func (c *Connection) MarkPongReceived() {
	c.lastPongAt.Store(time.Now().UnixNano())
	if c.State() == StateDegraded {
		c.SetState(StateOpen)
	}
}
func (c *Connection) LastPongAt() time.Time {
	return time.Unix(0, c.lastPongAt.Load())
}
func (c *Connection) LastPingAt() time.Time {
	return time.Unix(0, c.lastPingAt.Load())
}
func (c *Connection) IncrFailure() int32   { return c.failureCount.Add(1) }
func (c *Connection) ResetFailures()       { c.failureCount.Store(0) }
func (c *Connection) Failures() int32      { return c.failureCount.Load() }
func (c *Connection) IsClosed() bool       { return c.closed.Load() }

// Done is closed when the connection is unregistered. writePump selects
// on it instead of the Send channel being closed, since Send may still
// have in-flight writers racing a concurrent Unregister and a send on a
// closed channel panics.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Config bounds and rate limits applied at registration time.
type Config struct {
	MaxPerUser          int
	MaxTotal            int
	PerConnMsgRate      float64
	PerConnMsgBurst     int
	SendBufferSize      int
	Logger              zerolog.Logger
}

// Registry is the process-wide set of connections, wired once into core.Core.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	conns sync.Map // id -> *Connection
	total atomic.Int64

	byUser *index
	byRoom *index
}

func New(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
		byUser: newIndex(),
		byRoom: newIndex(),
	}
}

var (
	// ErrPoolFull signals the per-user or global connection cap was hit.
	ErrPoolFull = fmt.Errorf("registry: connection pool full")
)

// Register admits a new connection, enforcing per-user and global caps.
func (r *Registry) Register(id, userID, sessionID, role string, conn transport.Conn) (*Connection, error) {
	if int(r.total.Load()) >= r.cfg.MaxTotal {
		return nil, ErrPoolFull
	}
	if r.byUser.count(userID) >= r.cfg.MaxPerUser {
		return nil, ErrPoolFull
	}

	c := &Connection{
		ID:            id,
		UserID:        userID,
		SessionID:     sessionID,
		Role:          role,
		Conn:          conn,
		Send:          make(chan []byte, r.cfg.SendBufferSize),
		done:          make(chan struct{}),
		Subscriptions: NewSubscriptionSet(),
		Limiter:       rate.NewLimiter(rate.Limit(r.cfg.PerConnMsgRate), r.cfg.PerConnMsgBurst),
		ConnectedAt:   time.Now(),
	}
	c.state.Store(int32(StateOpen))
	c.MarkPongReceived()

	r.conns.Store(id, c)
	r.total.Add(1)
	r.byUser.add(userID, id)

	r.logger.Info().Str("connection_id", id).Str("user_id", userID).Msg("connection registered")
	return c, nil
}

// Unregister removes a connection from every index and closes its socket
// with the normal-closure code. Safe to call more than once; only the
// first call has any effect.
func (r *Registry) Unregister(id, reason string) {
	r.UnregisterWithCode(id, reason, 1000)
}

// UnregisterWithCode is Unregister with an explicit WebSocket close
// code, for callers that need something other than normal closure (e.g.
// going-away on shutdown).
func (r *Registry) UnregisterWithCode(id, reason string, closeCode uint16) {
	v, ok := r.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	c := v.(*Connection)
	c.closeOnce.Do(func() {
		c.SetState(StateClosing)
		c.closed.Store(true)
		r.total.Add(-1)
		r.byUser.remove(c.UserID, id)
		for _, room := range c.Subscriptions.List() {
			r.byRoom.remove(room, id)
		}
		_ = c.Conn.Close(closeCode, reason)
		c.state.Store(int32(StateClosed))
		close(c.done)
		r.logger.Info().Str("connection_id", id).Str("reason", reason).Msg("connection unregistered")
	})
}

func (r *Registry) Get(id string) (*Connection, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// ForUser returns a snapshot of every live connection for a user.
func (r *Registry) ForUser(userID string) []*Connection {
	return r.resolve(r.byUser.snapshot(userID))
}

// ForRoom returns a snapshot of every live connection subscribed to a room/topic.
func (r *Registry) ForRoom(room string) []*Connection {
	return r.resolve(r.byRoom.snapshot(room))
}

// All returns a snapshot of every live connection, for broadcast_all.
func (r *Registry) All() []*Connection {
	var out []*Connection
	r.conns.Range(func(_, v any) bool {
		out = append(out, v.(*Connection))
		return true
	})
	return out
}

func (r *Registry) resolve(ids []string) []*Connection {
	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Subscribe(connID, room string) bool {
	c, ok := r.Get(connID)
	if !ok {
		return false
	}
	c.Subscriptions.Add(room)
	r.byRoom.add(room, connID)
	return true
}

func (r *Registry) Unsubscribe(connID, room string) bool {
	c, ok := r.Get(connID)
	if !ok {
		return false
	}
	c.Subscriptions.Remove(room)
	r.byRoom.remove(room, connID)
	return true
}

func (r *Registry) Count() int64 { return r.total.Load() }
