// Package codec implements the wire envelope schema, its closed type
// enumeration, and strict decode/encode rules.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Priority is ordinal so comparisons (>=) work directly, matching the
// ordering used by the original buffering logic this was ported from.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return 0, false
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParsePriority(s)
	if !ok {
		return fmt.Errorf("codec: unknown priority %q", s)
	}
	*p = parsed
	return nil
}

// MessageType is the closed set of client/server envelope kinds. messageTypes
// below is the single source of truth for which types are known; the
// criticalKinds table lists a subset of those types by hand.
type MessageType string

const (
	TypeAuth                  MessageType = "auth"
	TypeConnectionEstablished MessageType = "connection_established"
	TypeHeartbeatPing         MessageType = "heartbeat_ping"
	TypeHeartbeatPong         MessageType = "heartbeat_pong"
	TypeSubscribe             MessageType = "subscribe"
	TypeUnsubscribe           MessageType = "unsubscribe"
	TypeMessage               MessageType = "message"
	TypeAck                   MessageType = "ack"
	TypeError                 MessageType = "error"
	TypeStateSnapshot         MessageType = "state_snapshot"
	TypeStateUpdate           MessageType = "state_update"
	TypeStateUpdated          MessageType = "state_updated"
	TypePartialUpdate         MessageType = "partial_update"
	TypeVersionConflict       MessageType = "version_conflict"
	TypeStateResync           MessageType = "state_resync"
	TypeCriticalMessage       MessageType = "agent_message"
)

var messageTypes = map[MessageType]struct{}{
	TypeAuth: {}, TypeConnectionEstablished: {},
	TypeHeartbeatPing: {}, TypeHeartbeatPong: {},
	TypeSubscribe: {}, TypeUnsubscribe: {}, TypeMessage: {}, TypeAck: {},
	TypeError: {}, TypeStateSnapshot: {}, TypeStateUpdate: {}, TypeStateUpdated: {},
	TypePartialUpdate: {}, TypeVersionConflict: {}, TypeStateResync: {}, TypeCriticalMessage: {},
}

// criticalKinds lists message types that are never dropped from a buffer
// regardless of priority, per the per-user buffer's critical-kind protection.
var criticalKinds = map[MessageType]struct{}{
	TypeCriticalMessage: {}, TypeStateUpdated: {}, TypeVersionConflict: {}, TypeError: {},
}

func IsKnownType(t MessageType) bool {
	_, ok := messageTypes[t]
	return ok
}

func IsCriticalKind(t MessageType) bool {
	_, ok := criticalKinds[t]
	return ok
}

const MaxEnvelopeBytes = 1 << 20 // 1 MiB hard cap independent of the per-message buffer cap

// Envelope is the canonical wire message shape.
type Envelope struct {
	MessageID string          `json:"message_id,omitempty"`
	Type      MessageType     `json:"type"`
	Priority  Priority        `json:"priority,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode strictly parses a client frame: unknown top-level fields are
// rejected, the type must be in the closed enum, and the payload (if any)
// must be valid UTF-8 JSON.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("codec: frame exceeds %d bytes", MaxEnvelopeBytes)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("codec: frame is not valid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("codec: decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("codec: missing type")
	}
	if !IsKnownType(env.Type) {
		return nil, fmt.Errorf("codec: unknown type %q", env.Type)
	}

	ts, err := NormalizeTimestamp(env.Timestamp)
	if err != nil {
		return nil, err
	}
	env.Timestamp = ts

	return &env, nil
}

// Encode serializes an outbound envelope, stamping the timestamp if unset.
func Encode(env *Envelope) ([]byte, error) {
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(timestampLayout)
	}
	return json.Marshal(env)
}

// WelcomeFrame is the handshake-success frame. It is deliberately not an
// Envelope: the wire contract for this one frame uses "event" rather than
// "type" and carries no payload wrapper, so it is marshaled and sent as its
// own flat JSON object.
type WelcomeFrame struct {
	Event           string `json:"event"`
	ConnectionID    string `json:"connection_id"`
	ConnectionReady bool   `json:"connection_ready"`
	SessionID       string `json:"session_id"`
	ServerTime      string `json:"server_time"`
}

// NewWelcomeFrame encodes the connection_established frame sent once a
// connection clears auth.
func NewWelcomeFrame(connectionID, sessionID string) ([]byte, error) {
	return json.Marshal(WelcomeFrame{
		Event:           string(TypeConnectionEstablished),
		ConnectionID:    connectionID,
		ConnectionReady: true,
		SessionID:       sessionID,
		ServerTime:      time.Now().UTC().Format(timestampLayout),
	})
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// NormalizeTimestamp accepts RFC3339 or RFC3339Nano and always emits
// millisecond-precision UTC ISO 8601.
func NormalizeTimestamp(s string) (string, error) {
	if s == "" {
		return time.Now().UTC().Format(timestampLayout), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return "", fmt.Errorf("codec: invalid timestamp %q: %w", s, err)
		}
	}
	return t.UTC().Format(timestampLayout), nil
}
