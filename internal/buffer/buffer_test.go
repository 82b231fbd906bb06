package buffer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		MaxBufferSizePerUser: 3,
		MaxBufferSizeGlobal:  100,
		MaxMessageSizeBytes:  1024,
		OverflowStrategy:     config.OverflowDropLowPriority,
	}
}

func msg(id, user string, prio codec.Priority) *Message {
	return &Message{ID: id, UserID: user, Type: codec.TypeMessage, Priority: prio, SizeBytes: 10}
}

func TestEnqueueRejectsOversizedMessage(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop(), nil)
	big := msg("m1", "u1", codec.PriorityNormal)
	big.SizeBytes = 10000
	err := m.Enqueue(big)
	if _, ok := err.(*ErrMessageTooLarge); !ok {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestEnqueueDropLowPriorityEvictsLowest(t *testing.T) {
	cfg := testConfig()
	var deadLettered []string
	m := NewManager(cfg, zerolog.Nop(), func(msg *Message, reason string) {
		deadLettered = append(deadLettered, msg.ID)
	})

	m.Enqueue(msg("m1", "u1", codec.PriorityLow))
	m.Enqueue(msg("m2", "u1", codec.PriorityHigh))
	m.Enqueue(msg("m3", "u1", codec.PriorityNormal))
	// buffer now full (3); m4 should evict m1 (lowest priority).
	if err := m.Enqueue(msg("m4", "u1", codec.PriorityNormal)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(deadLettered) != 1 || deadLettered[0] != "m1" {
		t.Fatalf("expected m1 evicted, got %v", deadLettered)
	}
	if m.Depth("u1") != 3 {
		t.Fatalf("expected depth 3, got %d", m.Depth("u1"))
	}
}

func TestCriticalMessageNeverDroppedWhenNonCriticalAvailable(t *testing.T) {
	cfg := testConfig()
	cfg.OverflowStrategy = config.OverflowDropNewest
	m := NewManager(cfg, zerolog.Nop(), nil)

	m.Enqueue(msg("m1", "u1", codec.PriorityNormal))
	m.Enqueue(msg("m2", "u1", codec.PriorityNormal))
	m.Enqueue(msg("m3", "u1", codec.PriorityNormal))

	critical := msg("m4", "u1", codec.PriorityCritical)
	if err := m.Enqueue(critical); err != nil {
		t.Fatalf("critical message must be admitted: %v", err)
	}
}

func TestAllCriticalFallsBackToOldestEviction(t *testing.T) {
	cfg := testConfig()
	var deadLettered []string
	m := NewManager(cfg, zerolog.Nop(), func(msg *Message, reason string) {
		deadLettered = append(deadLettered, msg.ID)
		if reason != "evicted_all_critical" {
			t.Fatalf("unexpected eviction reason: %s", reason)
		}
	})

	m.Enqueue(msg("m1", "u1", codec.PriorityCritical))
	m.Enqueue(msg("m2", "u1", codec.PriorityCritical))
	m.Enqueue(msg("m3", "u1", codec.PriorityCritical))

	if err := m.Enqueue(msg("m4", "u1", codec.PriorityCritical)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deadLettered) != 1 || deadLettered[0] != "m1" {
		t.Fatalf("expected oldest (m1) evicted, got %v", deadLettered)
	}
}

func TestDropNewestRejectsNonCritical(t *testing.T) {
	cfg := testConfig()
	cfg.OverflowStrategy = config.OverflowDropNewest
	m := NewManager(cfg, zerolog.Nop(), nil)

	m.Enqueue(msg("m1", "u1", codec.PriorityNormal))
	m.Enqueue(msg("m2", "u1", codec.PriorityNormal))
	m.Enqueue(msg("m3", "u1", codec.PriorityNormal))

	err := m.Enqueue(msg("m4", "u1", codec.PriorityNormal))
	if _, ok := err.(*ErrOverflow); !ok {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestGlobalOverflowEvictsOldestLowAcrossUsers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferSizePerUser = 10
	cfg.MaxBufferSizeGlobal = 2
	var deadLettered []string
	m := NewManager(cfg, zerolog.Nop(), func(msg *Message, reason string) {
		deadLettered = append(deadLettered, msg.ID)
	})

	m.Enqueue(msg("m1", "u1", codec.PriorityLow))
	m.Enqueue(msg("m2", "u2", codec.PriorityLow))
	if err := m.Enqueue(msg("m3", "u3", codec.PriorityNormal)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(deadLettered) != 1 || deadLettered[0] != "m1" {
		t.Fatalf("expected m1 (oldest low) evicted globally, got %v", deadLettered)
	}
}

func TestDrainTransitionsToSending(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop(), nil)
	m.Enqueue(msg("m1", "u1", codec.PriorityNormal))
	m.Enqueue(msg("m2", "u1", codec.PriorityNormal))

	drained := m.Drain("u1", 10)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(drained))
	}
	for _, d := range drained {
		if d.State != StateSending {
			t.Fatalf("expected SENDING state, got %s", d.State)
		}
	}
	if m.Depth("u1") != 0 {
		t.Fatalf("expected empty buffer after drain, got depth %d", m.Depth("u1"))
	}
}

func TestTakeBatchMovesPendingToSendingAndOffDepth(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop(), nil)
	m.Enqueue(msg("m1", "u1", codec.PriorityNormal))
	m.Enqueue(msg("m2", "u1", codec.PriorityNormal))

	taken := m.TakeBatch("u1", 10)
	if len(taken) != 2 {
		t.Fatalf("expected 2 taken, got %d", len(taken))
	}
	for _, t2 := range taken {
		if t2.State != StateSending {
			t.Fatalf("expected SENDING state, got %s", t2.State)
		}
	}
	if m.Depth("u1") != 0 {
		t.Fatalf("expected empty buffer after TakeBatch, got depth %d", m.Depth("u1"))
	}
}

func TestAckResolvesTakenMessage(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop(), nil)
	m.Enqueue(msg("m1", "u1", codec.PriorityNormal))

	taken := m.TakeBatch("u1", 10)
	if len(taken) != 1 {
		t.Fatalf("expected 1 taken, got %d", len(taken))
	}

	m.Ack([]string{"m1"})
	if taken[0].State != StateSent {
		t.Fatalf("expected SENT state after ack, got %s", taken[0].State)
	}

	// a second ack on the same id must be a no-op, not a panic or double-count.
	m.Ack([]string{"m1"})
}

func TestNackInvokesOnNackAndMarksFailed(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop(), nil)
	m.Enqueue(msg("m1", "u1", codec.PriorityNormal))

	var nacked *Message
	m.SetOnNack(func(msg *Message) { nacked = msg })

	taken := m.TakeBatch("u1", 10)
	m.Nack([]string{"m1"})

	if taken[0].State != StateFailed {
		t.Fatalf("expected FAILED state after nack, got %s", taken[0].State)
	}
	if nacked == nil || nacked.ID != "m1" {
		t.Fatalf("expected onNack callback invoked with m1, got %+v", nacked)
	}
}

func TestRecoverStaleRevertsOnlyExpiredSending(t *testing.T) {
	m := NewManager(testConfig(), zerolog.Nop(), nil)
	m.Enqueue(msg("m1", "u1", codec.PriorityNormal))
	m.Enqueue(msg("m2", "u1", codec.PriorityNormal))

	taken := m.TakeBatch("u1", 10)
	taken[0].SendingAt = time.Now().Add(-time.Hour) // m1 far past deadline
	taken[1].SendingAt = time.Now()                 // m2 fresh

	m.RecoverStale(time.Minute)

	if m.Depth("u1") != 1 {
		t.Fatalf("expected only the stale message reverted to the queue, got depth %d", m.Depth("u1"))
	}
	drained := m.Drain("u1", 10)
	if len(drained) != 1 || drained[0].ID != "m1" {
		t.Fatalf("expected m1 reverted to PENDING, got %+v", drained)
	}
}
