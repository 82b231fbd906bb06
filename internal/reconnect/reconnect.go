// Package reconnect implements the reconnection state machine and
// rate-limits reconnection attempts per session.
package reconnect

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymesh/gateway/internal/state"
)

type Phase string

const (
	PhaseConnected    Phase = "CONNECTED"
	PhaseDisconnected Phase = "DISCONNECTED"
	PhaseReconnecting Phase = "RECONNECTING"
	PhaseRestored     Phase = "RESTORED"
	PhaseFailed       Phase = "FAILED"
)

type sessionState struct {
	mu             sync.Mutex
	phase          Phase
	limiter        *rate.Limiter
	attempts       int
	disconnectedAt time.Time
}

// Handler drives the CONNECTED -> DISCONNECTED -> RECONNECTING ->
// RESTORED|FAILED state machine for every session, enforcing
// max_reconnection_attempts over the elapsed disconnection window.
type Handler struct {
	minInterval time.Duration
	maxAttempts int
	store       *state.Store

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func New(minInterval time.Duration, maxAttempts int, store *state.Store) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Handler{minInterval: minInterval, maxAttempts: maxAttempts, store: store, sessions: make(map[string]*sessionState)}
}

func (h *Handler) getOrCreate(sessionID string) *sessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		s = &sessionState{
			phase:   PhaseConnected,
			limiter: rate.NewLimiter(rate.Every(h.minInterval), 1),
		}
		h.sessions[sessionID] = s
	}
	return s
}

// Disconnect transitions a session to DISCONNECTED, snapshots its state
// for later replay, and resets the attempt counter for a fresh
// disconnection window.
func (h *Handler) Disconnect(userID, sessionID string, pending [][]byte) {
	s := h.getOrCreate(sessionID)
	s.mu.Lock()
	s.phase = PhaseDisconnected
	s.attempts = 0
	s.disconnectedAt = time.Now()
	s.mu.Unlock()

	h.store.SaveDisconnectSnapshot(userID, pending)
}

// Result describes the outcome of an attempted reconnect.
type Result struct {
	Phase     Phase
	Snapshot  *state.DisconnectSnapshot
	TooSoon   bool
	Exhausted bool
}

// Reconnect attempts to transition a session from DISCONNECTED to
// RESTORED, enforcing the minimum reconnect interval and consuming any
// saved disconnection snapshot. A session that fails to find a snapshot
// max_reconnection_attempts times over its disconnection window is
// marked FAILED with Exhausted set, rather than retried indefinitely.
func (h *Handler) Reconnect(userID, sessionID string) Result {
	s := h.getOrCreate(sessionID)

	s.mu.Lock()
	if s.phase == PhaseFailed {
		s.mu.Unlock()
		return Result{Phase: PhaseFailed, Exhausted: true}
	}
	if !s.limiter.Allow() {
		s.mu.Unlock()
		return Result{Phase: s.phase, TooSoon: true}
	}
	s.phase = PhaseReconnecting
	s.mu.Unlock()

	snap, ok := h.store.TakeDisconnectSnapshot(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.phase = PhaseRestored
		return Result{Phase: PhaseRestored, Snapshot: snap}
	}

	s.attempts++
	if s.attempts >= h.maxAttempts {
		s.phase = PhaseFailed
		return Result{Phase: PhaseFailed, Exhausted: true}
	}
	s.phase = PhaseDisconnected
	return Result{Phase: PhaseDisconnected}
}

// Connect marks a brand-new (non-reconnecting) session as CONNECTED.
func (h *Handler) Connect(sessionID string) {
	s := h.getOrCreate(sessionID)
	s.mu.Lock()
	s.phase = PhaseConnected
	s.attempts = 0
	s.mu.Unlock()
}

func (h *Handler) Phase(sessionID string) Phase {
	s := h.getOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}
