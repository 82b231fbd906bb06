package state

import "testing"

func TestGetOrCreateSnapshotStartsAtVersion1(t *testing.T) {
	s := New(0, 100)
	snap := s.GetOrCreateSnapshot("u1", "sess1")
	if snap.Version != 1 {
		t.Fatalf("expected version 1, got %d", snap.Version)
	}
}

func TestApplyUpdateIncrementsVersionByOne(t *testing.T) {
	s := New(0, 100)
	s.GetOrCreateSnapshot("u1", "sess1")

	snap, err := s.ApplyUpdate("u1", 1, Update{UpdateType: "agent_progress", Data: map[string]any{"step": 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("expected version 2, got %d", snap.Version)
	}
	if snap.AgentState["step"] != 1 {
		t.Fatalf("expected merged agent state, got %v", snap.AgentState)
	}
}

func TestApplyUpdateVersionConflict(t *testing.T) {
	s := New(0, 100)
	s.GetOrCreateSnapshot("u1", "sess1")

	_, err := s.ApplyUpdate("u1", 99, Update{UpdateType: "agent_progress", Data: map[string]any{}})
	conflict, ok := err.(*ErrVersionConflict)
	if !ok {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if conflict.ClientVersion != 99 || conflict.ServerVersion != 1 {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}
}

func TestConversationMessageAppends(t *testing.T) {
	s := New(0, 100)
	s.GetOrCreateSnapshot("u1", "sess1")

	snap, err := s.ApplyUpdate("u1", 1, Update{UpdateType: "conversation_message", Data: map[string]any{"role": "user", "text": "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.ConversationHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(snap.ConversationHistory))
	}
}

func TestApplyPartialUpdateDottedPath(t *testing.T) {
	s := New(0, 100)
	s.GetOrCreateSnapshot("u1", "sess1")

	snap, err := s.ApplyPartialUpdate("u1", 1, map[string]any{"agent_state.execution_step": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.AgentState["execution_step"] != 3 {
		t.Fatalf("expected dotted path applied, got %v", snap.AgentState)
	}
}

func TestDisconnectSnapshotRoundTrip(t *testing.T) {
	s := New(0, 100)
	s.GetOrCreateSnapshot("u1", "sess1")
	s.SaveDisconnectSnapshot("u1", [][]byte{[]byte("pending1")})

	snap, ok := s.TakeDisconnectSnapshot("u1")
	if !ok {
		t.Fatal("expected disconnect snapshot to be found")
	}
	if len(snap.BufferedPending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(snap.BufferedPending))
	}

	if _, ok := s.TakeDisconnectSnapshot("u1"); ok {
		t.Fatal("expected snapshot to be consumed on take")
	}
}
