// Package retry schedules exponential-backoff redelivery of failed
// messages using a single timer-driven min-heap, in the spirit of the
// teacher's single-goroutine-drains-channel worker pool idiom.
package retry

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/logging"
)

// Entry is a message awaiting redelivery.
type Entry struct {
	MessageID  string
	UserID     string
	RetryCount int
	Payload    []byte
	nextRetry  time.Time
	index      int
}

type pq []*Entry

func (p pq) Len() int            { return len(p) }
func (p pq) Less(i, j int) bool  { return p[i].nextRetry.Before(p[j].nextRetry) }
func (p pq) Swap(i, j int)       { p[i], p[j] = p[j], p[i]; p[i].index, p[j].index = i, j }
func (p *pq) Push(x any)         { e := x.(*Entry); e.index = len(*p); *p = append(*p, e) }
func (p *pq) Pop() any {
	old := *p
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*p = old[:n-1]
	return e
}

type Config struct {
	Intervals        []time.Duration
	MaxAttempts      int
	Logger           zerolog.Logger
}

// Redeliver is invoked when an entry's backoff has elapsed; the scheduler
// doesn't know how to actually send a message, only when to retry.
type Redeliver func(e *Entry)

// OnExhausted is invoked when an entry exceeds MaxAttempts.
type OnExhausted func(e *Entry)

type Scheduler struct {
	cfg         Config
	mu          sync.Mutex
	heap        pq
	wake        chan struct{}
	redeliver   Redeliver
	onExhausted OnExhausted
}

func New(cfg Config, redeliver Redeliver, onExhausted OnExhausted) *Scheduler {
	return &Scheduler{cfg: cfg, wake: make(chan struct{}, 1), redeliver: redeliver, onExhausted: onExhausted}
}

// Schedule enqueues a failed message for retry, computing the next
// attempt's delay from the configured backoff table.
func (s *Scheduler) Schedule(messageID, userID string, payload []byte, retryCount int) {
	retryCount++
	if retryCount > s.cfg.MaxAttempts {
		s.onExhausted(&Entry{MessageID: messageID, UserID: userID, Payload: payload, RetryCount: retryCount - 1})
		return
	}

	delay := s.cfg.Intervals[min(retryCount-1, len(s.cfg.Intervals)-1)]
	e := &Entry{
		MessageID:  messageID,
		UserID:     userID,
		Payload:    payload,
		RetryCount: retryCount,
		nextRetry:  time.Now().Add(delay),
	}

	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, firing Redeliver for each entry as its backoff elapses,
// until the stop channel is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	defer logging.RecoverPanic(s.cfg.Logger, "retry.Run", nil)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if s.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].nextRetry)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireReady()
		}
	}
}

func (s *Scheduler) fireReady() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].nextRetry.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*Entry)
		s.mu.Unlock()
		s.redeliver(e)
	}
}

// Len reports the number of entries awaiting redelivery, for metrics.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}
