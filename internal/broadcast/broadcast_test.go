package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/registry"
)

type fakeConn struct{}

func (f *fakeConn) WriteText(data []byte) error            { return nil }
func (f *fakeConn) WritePing() error                       { return nil }
func (f *fakeConn) ReadMessage() ([]byte, bool, error)      { return nil, false, nil }
func (f *fakeConn) Close(code uint16, reason string) error { return nil }
func (f *fakeConn) RemoteAddr() string                     { return "127.0.0.1" }

func newReg() *registry.Registry {
	return registry.New(registry.Config{
		MaxPerUser: 10, MaxTotal: 1000, PerConnMsgRate: 100, PerConnMsgBurst: 100,
		SendBufferSize: 1, Logger: zerolog.Nop(),
	})
}

func TestBroadcastAllDeliversToEveryConnection(t *testing.T) {
	reg := newReg()
	reg.Register("c1", "u1", "s1", "user", &fakeConn{})
	reg.Register("c2", "u2", "s2", "user", &fakeConn{})

	b := New(Config{ChunkSize: 1, DisconnectThresholdFailures: 3, Logger: zerolog.Nop()}, reg, func(c *registry.Connection, reason string) {})

	res := b.BroadcastAll([]byte("hello"))
	if res.Delivered != 2 {
		t.Fatalf("expected 2 delivered, got %+v", res)
	}
}

func TestSendUserOnlyReachesThatUsersConnections(t *testing.T) {
	reg := newReg()
	reg.Register("c1", "u1", "s1", "user", &fakeConn{})
	reg.Register("c2", "u2", "s2", "user", &fakeConn{})

	b := New(Config{ChunkSize: 1, DisconnectThresholdFailures: 3, Logger: zerolog.Nop()}, reg, func(c *registry.Connection, reason string) {})

	res := b.SendUser("u1", []byte("hi"))
	if res.Attempted != 1 || res.Delivered != 1 {
		t.Fatalf("expected to reach exactly 1 connection, got %+v", res)
	}
}

func TestSlowClientEvictedAfterThreshold(t *testing.T) {
	reg := newReg()
	c, _ := reg.Register("c1", "u1", "s1", "user", &fakeConn{})

	var mu sync.Mutex
	var evicted []string
	b := New(Config{ChunkSize: 1, DisconnectThresholdFailures: 2, Logger: zerolog.Nop()}, reg, func(c *registry.Connection, reason string) {
		mu.Lock()
		evicted = append(evicted, c.ID)
		mu.Unlock()
	})

	// fill the 1-slot send buffer so every subsequent send is non-blocking-dropped.
	c.Send <- []byte("filler")

	b.BroadcastAll([]byte("a")) // failure 1
	b.BroadcastAll([]byte("b")) // failure 2, should evict

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "c1" {
		t.Fatalf("expected c1 evicted after threshold, got %v", evicted)
	}
}

func TestSlowConnectionIncrementsSlowCountAndDegradesState(t *testing.T) {
	reg := newReg()
	c, _ := reg.Register("c1", "u1", "s1", "user", &fakeConn{})
	c.Send <- []byte("filler") // fill the 1-slot buffer so the send never drains

	b := New(Config{
		ChunkSize: 1, DisconnectThresholdFailures: 100,
		PerConnTimeout: 5 * time.Millisecond, Logger: zerolog.Nop(),
	}, reg, func(c *registry.Connection, reason string) {})

	res := b.BroadcastAll([]byte("a"))
	if res.Slow != 1 {
		t.Fatalf("expected slow_connections to increment by exactly 1, got %+v", res)
	}
	if c.State() != registry.StateDegraded {
		t.Fatalf("expected connection to be marked DEGRADED, got %s", c.State())
	}
}

func TestSendUserFallsBackToBufferWhenOffline(t *testing.T) {
	reg := newReg()

	var bufferedUser string
	var bufferedData []byte
	b := New(Config{
		ChunkSize: 1, DisconnectThresholdFailures: 3, Logger: zerolog.Nop(),
		BufferEnqueue: func(userID string, data []byte) error {
			bufferedUser, bufferedData = userID, data
			return nil
		},
	}, reg, func(c *registry.Connection, reason string) {})

	res := b.SendUser("offline-user", []byte("hi"))
	if res.Buffered != 1 || res.Delivered != 0 {
		t.Fatalf("expected message buffered for an offline user, got %+v", res)
	}
	if bufferedUser != "offline-user" || string(bufferedData) != "hi" {
		t.Fatalf("expected buffer fallback to receive the user and payload, got %q %q", bufferedUser, bufferedData)
	}
}
