// Package state implements versioned session state synchronization with
// optimistic concurrency, grounded on the original
// StateSynchronizationManager's snapshot/update/conflict behavior.
package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Snapshot is the versioned application state for a single session.
type Snapshot struct {
	UserID              string         `json:"user_id"`
	SessionID           string         `json:"session_id"`
	Version             int64          `json:"version"`
	AgentState          map[string]any `json:"agent_state"`
	ConversationHistory []any          `json:"conversation_history"`
	UIPreferences       map[string]any `json:"ui_preferences"`
	ThreadData          map[string]any `json:"thread_data"`
	LastUpdated         time.Time      `json:"last_updated"`
}

func newSnapshot(userID, sessionID string) *Snapshot {
	return &Snapshot{
		UserID:              userID,
		SessionID:           sessionID,
		Version:             1,
		AgentState:          map[string]any{},
		ConversationHistory: []any{},
		UIPreferences:       map[string]any{},
		ThreadData:          map[string]any{},
		LastUpdated:         time.Now(),
	}
}

// ErrVersionConflict is returned when the client's version doesn't
// match the server's current version.
type ErrVersionConflict struct {
	ClientVersion, ServerVersion int64
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("state: version conflict: client=%d server=%d", e.ClientVersion, e.ServerVersion)
}

// entry pairs a snapshot with the mutex guarding single-writer access.
type entry struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

// Store owns the versioned snapshots plus TTL-bound disconnection
// snapshots for reconnection replay. Both are keyed by user ID: all
// sessions of one user share a single versioned snapshot and a single
// disconnection snapshot.
type Store struct {
	mu      sync.Mutex
	byUser  map[string]*entry
	disconnected *lru.LRU[string, *DisconnectSnapshot]
}

// DisconnectSnapshot captures a session's state at disconnect time so a
// reconnect can resync without hitting the live store, TTL-bound.
type DisconnectSnapshot struct {
	Snapshot        *Snapshot
	BufferedPending [][]byte
	DisconnectedAt  time.Time
}

func New(disconnectSnapshotTTL time.Duration, disconnectCacheSize int) *Store {
	return &Store{
		byUser:       make(map[string]*entry),
		disconnected: lru.NewLRU[string, *DisconnectSnapshot](disconnectCacheSize, nil, disconnectSnapshotTTL),
	}
}

func (s *Store) getOrCreate(userID, sessionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byUser[userID]
	if !ok {
		e = &entry{snapshot: newSnapshot(userID, sessionID)}
		s.byUser[userID] = e
	}
	return e
}

// GetOrCreateSnapshot returns the current snapshot for a user, creating
// a fresh one on first connection.
func (s *Store) GetOrCreateSnapshot(userID, sessionID string) *Snapshot {
	e := s.getOrCreate(userID, sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.snapshot
	return &cp
}

// Update represents an incremental state_update message.
type Update struct {
	UpdateType string
	Data       map[string]any
}

// ApplyUpdate applies an incremental update if the client's version
// matches, and returns the new snapshot. Mismatch returns
// ErrVersionConflict with both versions for a resync_required response.
func (s *Store) ApplyUpdate(userID string, clientVersion int64, upd Update) (*Snapshot, error) {
	e := s.getOrCreate(userID, "")
	e.mu.Lock()
	defer e.mu.Unlock()

	if clientVersion != e.snapshot.Version {
		return nil, &ErrVersionConflict{ClientVersion: clientVersion, ServerVersion: e.snapshot.Version}
	}

	switch upd.UpdateType {
	case "agent_progress":
		mergeInto(e.snapshot.AgentState, upd.Data)
	case "conversation_message":
		e.snapshot.ConversationHistory = append(e.snapshot.ConversationHistory, upd.Data)
	case "ui_preference":
		mergeInto(e.snapshot.UIPreferences, upd.Data)
	case "thread_update":
		mergeInto(e.snapshot.ThreadData, upd.Data)
	default:
		return nil, fmt.Errorf("state: unknown update_type %q", upd.UpdateType)
	}

	e.snapshot.Version++
	e.snapshot.LastUpdated = time.Now()
	cp := *e.snapshot
	return &cp, nil
}

// ApplyPartialUpdate applies a dotted-path partial update
// ("agent_state.execution_step": 3) against the matching top-level map.
func (s *Store) ApplyPartialUpdate(userID string, clientVersion int64, updates map[string]any) (*Snapshot, error) {
	e := s.getOrCreate(userID, "")
	e.mu.Lock()
	defer e.mu.Unlock()

	if clientVersion != e.snapshot.Version {
		return nil, &ErrVersionConflict{ClientVersion: clientVersion, ServerVersion: e.snapshot.Version}
	}

	for path, value := range updates {
		applyDottedPath(e.snapshot, path, value)
	}

	e.snapshot.Version++
	e.snapshot.LastUpdated = time.Now()
	cp := *e.snapshot
	return &cp, nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// applyDottedPath resolves "agent_state.tools_in_use" style paths against
// the snapshot's top-level named maps.
func applyDottedPath(snap *Snapshot, path string, value any) {
	parts := strings.SplitN(path, ".", 2)
	root := parts[0]

	var target map[string]any
	switch root {
	case "agent_state":
		target = snap.AgentState
	case "ui_preferences":
		target = snap.UIPreferences
	case "thread_data":
		target = snap.ThreadData
	default:
		return
	}

	if len(parts) == 1 {
		return
	}
	target[parts[1]] = value
}

// SaveDisconnectSnapshot records a session's state at disconnect time,
// TTL-bound, for replay on reconnection.
func (s *Store) SaveDisconnectSnapshot(userID string, pending [][]byte) {
	e := s.getOrCreate(userID, "")
	e.mu.Lock()
	cp := *e.snapshot
	e.mu.Unlock()

	s.disconnected.Add(userID, &DisconnectSnapshot{
		Snapshot:        &cp,
		BufferedPending: pending,
		DisconnectedAt:  time.Now(),
	})
}

// TakeDisconnectSnapshot removes and returns a saved disconnect
// snapshot, if still within TTL.
func (s *Store) TakeDisconnectSnapshot(userID string) (*DisconnectSnapshot, bool) {
	snap, ok := s.disconnected.Get(userID)
	if ok {
		s.disconnected.Remove(userID)
	}
	return snap, ok
}
