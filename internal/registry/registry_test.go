package registry

import (
	"testing"

	"github.com/rs/zerolog"
)

type fakeConn struct{ closed bool }

func (f *fakeConn) WriteText(data []byte) error { return nil }
func (f *fakeConn) WritePing() error            { return nil }
func (f *fakeConn) ReadMessage() ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeConn) Close(code uint16, reason string) error { f.closed = true; return nil }
func (f *fakeConn) RemoteAddr() string                     { return "127.0.0.1" }

func newTestRegistry(maxPerUser, maxTotal int) *Registry {
	return New(Config{
		MaxPerUser:      maxPerUser,
		MaxTotal:        maxTotal,
		PerConnMsgRate:  100,
		PerConnMsgBurst: 100,
		SendBufferSize:  8,
		Logger:          zerolog.Nop(),
	})
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(10, 100)
	c, err := r.Register("c1", "u1", "s1", "user", &fakeConn{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Get("c1")
	if !ok || got != c {
		t.Fatal("expected to find registered connection")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count 1, got %d", r.Count())
	}
}

func TestRegisterEnforcesPerUserCap(t *testing.T) {
	r := newTestRegistry(1, 100)
	if _, err := r.Register("c1", "u1", "s1", "user", &fakeConn{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register("c2", "u1", "s1", "user", &fakeConn{}); err != ErrPoolFull {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestRegisterEnforcesGlobalCap(t *testing.T) {
	r := newTestRegistry(10, 1)
	if _, err := r.Register("c1", "u1", "s1", "user", &fakeConn{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register("c2", "u2", "s2", "user", &fakeConn{}); err != ErrPoolFull {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestUnregisterClosesAndRemoves(t *testing.T) {
	r := newTestRegistry(10, 100)
	fc := &fakeConn{}
	r.Register("c1", "u1", "s1", "user", fc)
	r.Unregister("c1", "test")
	if _, ok := r.Get("c1"); ok {
		t.Fatal("expected connection to be removed")
	}
	if !fc.closed {
		t.Fatal("expected underlying conn to be closed")
	}
	// second call must be a no-op, not a panic on double-close.
	r.Unregister("c1", "test")
}

func TestSubscribeAndForRoom(t *testing.T) {
	r := newTestRegistry(10, 100)
	r.Register("c1", "u1", "s1", "user", &fakeConn{})
	r.Register("c2", "u2", "s2", "user", &fakeConn{})

	r.Subscribe("c1", "room.a")
	r.Subscribe("c2", "room.a")

	conns := r.ForRoom("room.a")
	if len(conns) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(conns))
	}

	r.Unsubscribe("c1", "room.a")
	conns = r.ForRoom("room.a")
	if len(conns) != 1 || conns[0].ID != "c2" {
		t.Fatalf("unexpected subscribers after unsubscribe: %+v", conns)
	}
}

func TestForUserSnapshotIsolated(t *testing.T) {
	r := newTestRegistry(10, 100)
	r.Register("c1", "u1", "s1", "user", &fakeConn{})
	snap := r.ForUser("u1")
	r.Register("c2", "u1", "s1", "user", &fakeConn{})
	if len(snap) != 1 {
		t.Fatalf("snapshot should not observe later registrations, got %d", len(snap))
	}
}
