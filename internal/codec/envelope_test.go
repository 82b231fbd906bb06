package codec

import "testing"

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"not_a_real_type","timestamp":"2024-01-01T00:00:00Z"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode([]byte(`{"type":"heartbeat_ping","timestamp":"2024-01-01T00:00:00Z","bogus":1}`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeNormalizesTimestamp(t *testing.T) {
	env, err := Decode([]byte(`{"type":"heartbeat_ping","timestamp":"2024-01-01T00:00:00.123456789Z"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Timestamp != "2024-01-01T00:00:00.123Z" {
		t.Fatalf("unexpected normalized timestamp: %s", env.Timestamp)
	}
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	raw := append([]byte(`{"type":"heartbeat_ping","timestamp":"2024-01-01T00:00:00Z","payload":"`), 0xff, 0xfe)
	raw = append(raw, []byte(`"}`)...)
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected UTF-8 validation error")
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Fatal("priority ordinal ordering violated")
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		got, ok := ParsePriority(p.String())
		if !ok || got != p {
			t.Fatalf("round trip failed for %v", p)
		}
	}
}

func TestIsCriticalKind(t *testing.T) {
	if !IsCriticalKind(TypeCriticalMessage) {
		t.Fatal("agent_message should be a critical kind")
	}
	if IsCriticalKind(TypeHeartbeatPing) {
		t.Fatal("heartbeat_ping should not be a critical kind")
	}
}
