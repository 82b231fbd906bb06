// Package broadcast implements the three fan-out dispatch modes
// (broadcast_all, broadcast_subscription, send_user), chunked parallel
// delivery, and slow-client eviction, grounded on the teacher's
// non-blocking select/default send with a strike counter.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/registry"
)

type Config struct {
	ChunkSize                   int
	DisconnectThresholdFailures int
	// PerConnTimeout bounds how long a single connection's send is given
	// once its channel buffer is full before the connection is marked
	// DEGRADED and counted as slow, rather than dropping it immediately.
	// Zero disables the timeout and falls back to the old non-blocking
	// send/drop behavior.
	PerConnTimeout time.Duration
	Logger         zerolog.Logger

	// SlowConnections counts connections that missed PerConnTimeout.
	SlowConnections prometheus.Counter

	// Submit runs a chunk's dispatch work on a bounded worker pool
	// instead of a fresh goroutine, reporting whether the pool
	// accepted it. Nil falls back to spawning a goroutine directly,
	// which keeps the broadcaster usable standalone (e.g. in tests).
	Submit func(func()) bool

	// BufferEnqueue is invoked by SendUser when the target user has no
	// live connection, to fall back to the per-user buffer rather than
	// drop the message. Nil disables the fallback.
	BufferEnqueue func(userID string, data []byte) error
}

// Result reports fan-out outcomes for observability.
type Result struct {
	Attempted  int
	Delivered  int
	Dropped    int
	Evicted    int
	Slow       int
	Buffered   int
	DurationMs int64
}

type Broadcaster struct {
	cfg      Config
	registry *registry.Registry
	onEvict  func(c *registry.Connection, reason string)
}

func New(cfg Config, reg *registry.Registry, onEvict func(c *registry.Connection, reason string)) *Broadcaster {
	return &Broadcaster{cfg: cfg, registry: reg, onEvict: onEvict}
}

// BroadcastAll fans a pre-serialized message out to every live connection.
func (b *Broadcaster) BroadcastAll(data []byte) Result {
	return b.fanOut(b.registry.All(), data)
}

// BroadcastSubscription fans a message out to every connection subscribed
// to a given room/topic.
func (b *Broadcaster) BroadcastSubscription(topic string, data []byte) Result {
	return b.fanOut(b.registry.ForRoom(topic), data)
}

// SendUser fans a message out to every connection owned by a user. If the
// user has no live connection, the message falls back to the per-user
// buffer instead of being dropped, per the at-least-once delivery
// guarantee for user-targeted sends.
func (b *Broadcaster) SendUser(userID string, data []byte) Result {
	conns := b.registry.ForUser(userID)
	if len(conns) == 0 {
		if b.cfg.BufferEnqueue == nil {
			return Result{}
		}
		if err := b.cfg.BufferEnqueue(userID, data); err != nil {
			b.cfg.Logger.Warn().Err(err).Str("user_id", userID).Msg("failed to buffer message for offline user")
			return Result{Dropped: 1}
		}
		return Result{Buffered: 1}
	}
	return b.fanOut(conns, data)
}

// fanOut pre-serializes once (data is already serialized by the caller)
// and chunks the subscriber list into concurrent batches to bound the
// number of goroutines spun up per broadcast.
func (b *Broadcaster) fanOut(conns []*registry.Connection, data []byte) Result {
	start := time.Now()
	var delivered, dropped, evicted, slow int64

	chunkSize := b.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(conns)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	var wg sync.WaitGroup
	for start := 0; start < len(conns); start += chunkSize {
		end := start + chunkSize
		if end > len(conns) {
			end = len(conns)
		}
		chunk := conns[start:end]

		wg.Add(1)
		task := func() {
			defer wg.Done()
			for _, c := range chunk {
				if c.IsClosed() {
					continue
				}
				select {
				case c.Send <- data:
					atomic.AddInt64(&delivered, 1)
					c.ResetFailures()
					continue
				default:
				}

				if b.cfg.PerConnTimeout <= 0 {
					atomic.AddInt64(&dropped, 1)
					if int(c.IncrFailure()) >= b.cfg.DisconnectThresholdFailures {
						atomic.AddInt64(&evicted, 1)
						b.onEvict(c, "slow_client")
					}
					continue
				}

				timer := time.NewTimer(b.cfg.PerConnTimeout)
				select {
				case c.Send <- data:
					timer.Stop()
					atomic.AddInt64(&delivered, 1)
					c.ResetFailures()
				case <-timer.C:
					atomic.AddInt64(&dropped, 1)
					atomic.AddInt64(&slow, 1)
					c.SetState(registry.StateDegraded)
					if b.cfg.SlowConnections != nil {
						b.cfg.SlowConnections.Inc()
					}
					if int(c.IncrFailure()) >= b.cfg.DisconnectThresholdFailures {
						atomic.AddInt64(&evicted, 1)
						b.onEvict(c, "slow_client")
					}
				}
			}
		}
		if b.cfg.Submit == nil || !b.cfg.Submit(task) {
			go task()
		}
	}
	wg.Wait()

	return Result{
		Attempted:  len(conns),
		Delivered:  int(delivered),
		Dropped:    int(dropped),
		Evicted:    int(evicted),
		Slow:       int(slow),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// Serialize is a convenience wrapper for callers that have a decoded
// envelope rather than pre-serialized bytes.
func Serialize(env *codec.Envelope) ([]byte, error) {
	return codec.Encode(env)
}
