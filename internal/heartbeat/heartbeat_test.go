package heartbeat

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/registry"
)

type fakeConn struct{ pings int }

func (f *fakeConn) WriteText(data []byte) error { return nil }
func (f *fakeConn) WritePing() error            { f.pings++; return nil }
func (f *fakeConn) ReadMessage() ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeConn) Close(code uint16, reason string) error { return nil }
func (f *fakeConn) RemoteAddr() string                     { return "127.0.0.1" }

func newReg() *registry.Registry {
	return registry.New(registry.Config{
		MaxPerUser: 10, MaxTotal: 100, PerConnMsgRate: 100, PerConnMsgBurst: 100,
		SendBufferSize: 8, Logger: zerolog.Nop(),
	})
}

func TestSweepPingsLiveConnections(t *testing.T) {
	reg := newReg()
	fc := &fakeConn{}
	reg.Register("c1", "u1", "s1", "user", fc)

	var dead []string
	m := New(Config{PingInterval: time.Millisecond, PingTimeout: time.Hour, DeadAfter: time.Hour, Logger: zerolog.Nop()},
		reg, func(c *registry.Connection) { dead = append(dead, c.ID) })

	m.sweep()

	if fc.pings != 1 {
		t.Fatalf("expected 1 ping, got %d", fc.pings)
	}
	if len(dead) != 0 {
		t.Fatalf("expected no dead connections, got %v", dead)
	}
}

func TestSweepMarksDeadAfterSilence(t *testing.T) {
	reg := newReg()
	reg.Register("c1", "u1", "s1", "user", &fakeConn{})

	var dead []string
	m := New(Config{PingInterval: time.Millisecond, PingTimeout: time.Millisecond, DeadAfter: 0, Logger: zerolog.Nop()},
		reg, func(c *registry.Connection) { dead = append(dead, c.ID) })

	m.sweep()

	if len(dead) != 1 || dead[0] != "c1" {
		t.Fatalf("expected c1 marked dead, got %v", dead)
	}
}
