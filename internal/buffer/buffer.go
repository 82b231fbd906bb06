// Package buffer implements the bounded per-user message buffer: state
// machine, overflow policies, and critical-message protection.
package buffer

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/config"
	"github.com/relaymesh/gateway/internal/ids"
)

type State string

const (
	StatePending State = "PENDING"
	StateSending State = "SENDING"
	StateSent    State = "SENT"
	StateFailed  State = "FAILED"
)

// Message is a single buffered, stateful unit of work.
type Message struct {
	ID         string
	UserID     string
	Type       codec.MessageType
	Priority   codec.Priority
	Payload    []byte
	SizeBytes  int
	State      State
	EnqueuedAt time.Time
	SendingAt  time.Time // set when TakeBatch moves the message to SENDING
	RetryCount int

	elem *list.Element // internal handle into the user's queue
}

func (m *Message) IsCritical(criticalTypes map[codec.MessageType]struct{}) bool {
	if m.Priority == codec.PriorityCritical || codec.IsCriticalKind(m.Type) {
		return true
	}
	_, ok := criticalTypes[m.Type]
	return ok
}

// ErrOverflow is returned (never silently swallowed) when a message
// cannot be admitted even after the configured overflow policy has run.
type ErrOverflow struct {
	UserID string
	Reason string
}

func (e *ErrOverflow) Error() string {
	return fmt.Sprintf("buffer: overflow for user %s: %s", e.UserID, e.Reason)
}

// ErrMessageTooLarge is raised loudly rather than silently dropping an
// oversized message.
type ErrMessageTooLarge struct {
	SizeBytes, MaxBytes int
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("buffer: message of %d bytes exceeds max %d", e.SizeBytes, e.MaxBytes)
}

type userQueue struct {
	mu   sync.Mutex
	msgs *list.List // of *Message, oldest at Front
	size int         // total bytes
}

// Manager owns every per-user buffer plus the global accounting needed
// for the global overflow policy.
type Manager struct {
	cfg    config.Config
	logger zerolog.Logger

	criticalTypes map[codec.MessageType]struct{}

	mu    sync.Mutex
	users map[string]*userQueue

	globalCount int
	globalBytes int64

	onDeadLetter func(m *Message, reason string)

	inflightMu sync.Mutex
	inflight   map[string]*Message // message ID -> SENDING message awaiting ack/nack

	onNack func(m *Message)
}

func NewManager(cfg config.Config, logger zerolog.Logger, onDeadLetter func(m *Message, reason string)) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		criticalTypes: map[codec.MessageType]struct{}{
			codec.TypeCriticalMessage: {},
		},
		users:        make(map[string]*userQueue),
		onDeadLetter: onDeadLetter,
		inflight:     make(map[string]*Message),
	}
}

// SetOnNack wires the callback invoked for every message Nack transitions
// to FAILED. The buffer itself only tracks state; backoff scheduling and
// dead-lettering on exhaustion belong to the retry scheduler.
func (m *Manager) SetOnNack(fn func(msg *Message)) {
	m.onNack = fn
}

func (m *Manager) getOrCreate(userID string) *userQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	uq, ok := m.users[userID]
	if !ok {
		uq = &userQueue{msgs: list.New()}
		m.users[userID] = uq
	}
	return uq
}

// Enqueue admits a message into a user's buffer, running overflow policy
// as needed. Each user's queue has a single-writer discipline enforced
// by uq.mu; callers must not call Enqueue for the same user concurrently
// from more than one message source without this lock, which Enqueue
// itself takes care of.
func (m *Manager) Enqueue(msg *Message) error {
	if msg.SizeBytes > m.cfg.MaxMessageSizeBytes {
		return &ErrMessageTooLarge{SizeBytes: msg.SizeBytes, MaxBytes: m.cfg.MaxMessageSizeBytes}
	}
	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}

	// Global overflow must be resolved before taking this user's queue
	// lock: handleGlobalOverflow scans every user's queue, including this
	// one, and the per-user lock is not reentrant.
	m.mu.Lock()
	globalFull := m.globalCount >= m.cfg.MaxBufferSizeGlobal
	m.mu.Unlock()
	if globalFull {
		if !m.handleGlobalOverflow() {
			return &ErrOverflow{UserID: msg.UserID, Reason: "global buffer full and no low-priority message to evict"}
		}
	}

	uq := m.getOrCreate(msg.UserID)
	uq.mu.Lock()
	defer uq.mu.Unlock()

	if uq.msgs.Len() >= m.cfg.MaxBufferSizePerUser {
		if err := m.handleUserOverflow(uq, msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.globalCount++
	m.globalBytes += int64(msg.SizeBytes)
	m.mu.Unlock()

	msg.State = StatePending
	msg.EnqueuedAt = time.Now()
	msg.elem = uq.msgs.PushBack(msg)
	uq.size += msg.SizeBytes
	return nil
}

// handleUserOverflow runs while uq.mu is held.
func (m *Manager) handleUserOverflow(uq *userQueue, incoming *Message) error {
	if incoming.IsCritical(m.criticalTypes) {
		m.makeRoomForCritical(uq)
		return nil
	}

	switch m.cfg.OverflowStrategy {
	case config.OverflowDropNewest:
		return &ErrOverflow{UserID: incoming.UserID, Reason: "drop_newest: incoming message rejected"}

	case config.OverflowDropOldest:
		if m.evictOldestNonCritical(uq) {
			return nil
		}
		m.makeRoomForCritical(uq)
		return nil

	case config.OverflowDropLowPriority:
		if m.evictLowestPriority(uq) {
			return nil
		}
		m.makeRoomForCritical(uq)
		return nil

	default:
		return &ErrOverflow{UserID: incoming.UserID, Reason: "unknown overflow strategy"}
	}
}

// makeRoomForCritical evicts a non-critical message if one exists; if
// every message in the queue is critical, it evicts the oldest message
// regardless, with a dead-letter emitted for the evicted message. This
// mirrors the original buffer's fallback when every candidate is critical.
func (m *Manager) makeRoomForCritical(uq *userQueue) {
	if m.evictOldestNonCritical(uq) {
		return
	}
	front := uq.msgs.Front()
	if front == nil {
		return
	}
	evicted := m.removeElem(uq, front)
	m.logger.Warn().Str("message_id", evicted.ID).Str("user_id", evicted.UserID).
		Msg("evicted oldest critical message: buffer full of critical messages")
	m.deadLetter(evicted, "evicted_all_critical")
}

func (m *Manager) evictOldestNonCritical(uq *userQueue) bool {
	for e := uq.msgs.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*Message)
		if !msg.IsCritical(m.criticalTypes) {
			evicted := m.removeElem(uq, e)
			m.deadLetter(evicted, "overflow_drop_oldest")
			return true
		}
	}
	return false
}

func (m *Manager) evictLowestPriority(uq *userQueue) bool {
	var victim *list.Element
	lowest := codec.PriorityCritical + 1
	for e := uq.msgs.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*Message)
		if msg.IsCritical(m.criticalTypes) {
			continue
		}
		if msg.Priority < lowest {
			lowest = msg.Priority
			victim = e
		}
	}
	if victim == nil {
		return false
	}
	evicted := m.removeElem(uq, victim)
	m.deadLetter(evicted, "overflow_drop_low_priority")
	return true
}

// removeElem detaches a message from its queue and global accounting.
// Caller must hold uq.mu.
func (m *Manager) removeElem(uq *userQueue, e *list.Element) *Message {
	msg := uq.msgs.Remove(e).(*Message)
	uq.size -= msg.SizeBytes
	m.mu.Lock()
	m.globalCount--
	m.globalBytes -= int64(msg.SizeBytes)
	m.mu.Unlock()
	return msg
}

// handleGlobalOverflow evicts the oldest LOW-priority message across all
// user buffers. Returns false if none was found.
func (m *Manager) handleGlobalOverflow() bool {
	m.mu.Lock()
	userIDs := make([]string, 0, len(m.users))
	for id := range m.users {
		userIDs = append(userIDs, id)
	}
	m.mu.Unlock()

	var (
		victimQueue *userQueue
		victimElem  *list.Element
		oldest      time.Time
	)

	for _, id := range userIDs {
		uq := m.getOrCreate(id)
		uq.mu.Lock()
		for e := uq.msgs.Front(); e != nil; e = e.Next() {
			msg := e.Value.(*Message)
			if msg.Priority != codec.PriorityLow {
				continue
			}
			if victimElem == nil || msg.EnqueuedAt.Before(oldest) {
				victimQueue, victimElem, oldest = uq, e, msg.EnqueuedAt
			}
		}
		uq.mu.Unlock()
	}

	if victimElem == nil {
		return false
	}

	victimQueue.mu.Lock()
	evicted := m.removeElem(victimQueue, victimElem)
	victimQueue.mu.Unlock()
	m.deadLetter(evicted, "global_overflow")
	return true
}

func (m *Manager) deadLetter(msg *Message, reason string) {
	msg.State = StateFailed
	if m.onDeadLetter != nil {
		m.onDeadLetter(msg, reason)
	}
}

// Drain removes and returns up to n pending messages for a user, oldest
// first, handing full ownership to the caller. Used only for the
// disconnect/shutdown snapshot path, where the messages leave the buffer
// entirely to be replayed verbatim on reconnect; callers on that path
// never ack or nack these messages back into this manager.
func (m *Manager) Drain(userID string, n int) []*Message {
	uq := m.getOrCreate(userID)
	uq.mu.Lock()
	defer uq.mu.Unlock()

	out := make([]*Message, 0, n)
	for e := uq.msgs.Front(); e != nil && len(out) < n; {
		msg := e.Value.(*Message)
		next := e.Next()
		if msg.State == StatePending {
			msg.State = StateSending
			m.removeElem(uq, e)
			out = append(out, msg)
		}
		e = next
	}
	return out
}

// TakeBatch atomically moves up to n PENDING messages to SENDING and
// returns them, tracking each by ID until a matching Ack or Nack
// resolves it. This is the transactional take_batch step: a message
// handed out here is neither in the user's queue nor delivered yet.
func (m *Manager) TakeBatch(userID string, n int) []*Message {
	uq := m.getOrCreate(userID)
	uq.mu.Lock()
	out := make([]*Message, 0, n)
	for e := uq.msgs.Front(); e != nil && len(out) < n; {
		msg := e.Value.(*Message)
		next := e.Next()
		if msg.State == StatePending {
			msg.State = StateSending
			msg.SendingAt = time.Now()
			m.removeElem(uq, e)
			out = append(out, msg)
		}
		e = next
	}
	uq.mu.Unlock()

	if len(out) == 0 {
		return out
	}
	m.inflightMu.Lock()
	for _, msg := range out {
		m.inflight[msg.ID] = msg
	}
	m.inflightMu.Unlock()
	return out
}

// Ack resolves messages taken via TakeBatch as delivered: they move to
// SENT and are discarded. IDs not currently tracked (already acked or
// nacked, or unknown) are ignored.
func (m *Manager) Ack(ids []string) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	for _, id := range ids {
		if msg, ok := m.inflight[id]; ok {
			msg.State = StateSent
			delete(m.inflight, id)
		}
	}
}

// Nack resolves messages taken via TakeBatch as failed to deliver: they
// move to FAILED and are handed to onNack for backoff scheduling. The
// buffer does not itself compute backoff or dead-letter on exhaustion;
// that is the retry scheduler's job.
func (m *Manager) Nack(ids []string) {
	m.inflightMu.Lock()
	failed := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.inflight[id]; ok {
			msg.State = StateFailed
			delete(m.inflight, id)
			failed = append(failed, msg)
		}
	}
	m.inflightMu.Unlock()

	for _, msg := range failed {
		if m.onNack != nil {
			m.onNack(msg)
		}
	}
}

// RecoverStale reverts messages stuck in SENDING past deadline back to
// PENDING at the front of their user's queue. Guards against the sender
// loop crashing or the connection dropping mid-batch without ever
// acking or nacking what TakeBatch handed out.
func (m *Manager) RecoverStale(deadline time.Duration) {
	now := time.Now()
	m.inflightMu.Lock()
	var stale []*Message
	for id, msg := range m.inflight {
		if now.Sub(msg.SendingAt) > deadline {
			stale = append(stale, msg)
			delete(m.inflight, id)
		}
	}
	m.inflightMu.Unlock()

	for _, msg := range stale {
		uq := m.getOrCreate(msg.UserID)
		uq.mu.Lock()
		msg.State = StatePending
		msg.EnqueuedAt = now
		msg.elem = uq.msgs.PushFront(msg)
		uq.size += msg.SizeBytes
		uq.mu.Unlock()

		m.mu.Lock()
		m.globalCount++
		m.globalBytes += int64(msg.SizeBytes)
		m.mu.Unlock()
	}
}

// Depth returns the current pending message count for a user.
func (m *Manager) Depth(userID string) int {
	uq := m.getOrCreate(userID)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return uq.msgs.Len()
}

// GlobalDepth returns the total message count across all users.
func (m *Manager) GlobalDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalCount
}
