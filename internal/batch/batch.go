// Package batch accumulates outbound messages per target connection and
// flushes them by time, size, a hybrid of both, or an adaptive target
// depth, with a forced flush whenever a critical or high-priority
// message arrives.
package batch

import (
	"sync"
	"time"

	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/config"
)

// Flush is invoked with the accumulated batch when it is ready to send.
type Flush func(targetID string, batch []*codec.Envelope)

type accumulator struct {
	mu      sync.Mutex
	pending []*codec.Envelope
	timer   *time.Timer

	// adaptive tuning: rolling average of the last flushes' depth.
	recentDepths []int
}

// Batcher accumulates per-target envelopes and flushes them per the
// configured strategy.
type Batcher struct {
	cfg   config.Config
	flush Flush

	mu    sync.Mutex
	accum map[string]*accumulator

	adaptiveTarget int
}

func New(cfg config.Config, flush Flush) *Batcher {
	return &Batcher{
		cfg:            cfg,
		flush:          flush,
		accum:          make(map[string]*accumulator),
		adaptiveTarget: cfg.AdaptiveBatchMin,
	}
}

func (b *Batcher) get(targetID string) *accumulator {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.accum[targetID]
	if !ok {
		a = &accumulator{}
		b.accum[targetID] = a
	}
	return a
}

// Add enqueues an envelope for a target. Critical or high-priority
// messages force an immediate flush of everything accumulated so far,
// themselves included.
func (b *Batcher) Add(targetID string, env *codec.Envelope) {
	a := b.get(targetID)
	a.mu.Lock()

	a.pending = append(a.pending, env)

	if env.Priority >= codec.PriorityHigh {
		batch := a.drainLocked()
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.mu.Unlock()
		b.recordDepth(a, len(batch))
		b.flush(targetID, batch)
		return
	}

	limit := b.sizeLimit()
	switch b.cfg.BatchStrategy {
	case config.BatchSizeBased:
		if len(a.pending) >= limit {
			batch := a.drainLocked()
			a.mu.Unlock()
			b.recordDepth(a, len(batch))
			b.flush(targetID, batch)
			return
		}
		a.mu.Unlock()

	case config.BatchTimeBased:
		b.ensureTimerLocked(a, targetID)
		a.mu.Unlock()

	case config.BatchHybrid, config.BatchAdaptive:
		if len(a.pending) >= limit {
			batch := a.drainLocked()
			if a.timer != nil {
				a.timer.Stop()
				a.timer = nil
			}
			a.mu.Unlock()
			b.recordDepth(a, len(batch))
			b.flush(targetID, batch)
			return
		}
		b.ensureTimerLocked(a, targetID)
		a.mu.Unlock()

	default:
		a.mu.Unlock()
	}
}

func (b *Batcher) sizeLimit() int {
	if b.cfg.BatchStrategy == config.BatchAdaptive {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.adaptiveTarget
	}
	return b.cfg.BatchMaxSize
}

// ensureTimerLocked starts a flush timer if one isn't already pending.
// Caller must hold a.mu.
func (b *Batcher) ensureTimerLocked(a *accumulator, targetID string) {
	if a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(b.cfg.BatchMaxDelay, func() {
		a.mu.Lock()
		batch := a.drainLocked()
		a.timer = nil
		a.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		b.recordDepth(a, len(batch))
		b.flush(targetID, batch)
	})
}

// drainLocked empties and returns the pending batch. Caller must hold a.mu.
func (a *accumulator) drainLocked() []*codec.Envelope {
	batch := a.pending
	a.pending = nil
	return batch
}

// recordDepth feeds the adaptive strategy's rolling average, nudging the
// target batch size toward 2x the recent average flush depth, clamped
// to the configured [min, max] bounds.
func (b *Batcher) recordDepth(a *accumulator, depth int) {
	if b.cfg.BatchStrategy != config.BatchAdaptive || depth == 0 {
		return
	}

	a.mu.Lock()
	a.recentDepths = append(a.recentDepths, depth)
	if len(a.recentDepths) > 20 {
		a.recentDepths = a.recentDepths[len(a.recentDepths)-20:]
	}
	sum := 0
	for _, d := range a.recentDepths {
		sum += d
	}
	avg := sum / len(a.recentDepths)
	a.mu.Unlock()

	target := avg * 2
	if target < b.cfg.AdaptiveBatchMin {
		target = b.cfg.AdaptiveBatchMin
	}
	if target > b.cfg.AdaptiveBatchMax {
		target = b.cfg.AdaptiveBatchMax
	}

	b.mu.Lock()
	// move 10% of the way toward the new target per flush rather than jumping.
	b.adaptiveTarget += (target - b.adaptiveTarget) / 10
	if b.adaptiveTarget < b.cfg.AdaptiveBatchMin {
		b.adaptiveTarget = b.cfg.AdaptiveBatchMin
	}
	if b.adaptiveTarget > b.cfg.AdaptiveBatchMax {
		b.adaptiveTarget = b.cfg.AdaptiveBatchMax
	}
	b.mu.Unlock()
}

// FlushAll forces every accumulator to flush immediately, used on shutdown.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	targets := make([]string, 0, len(b.accum))
	for id := range b.accum {
		targets = append(targets, id)
	}
	b.mu.Unlock()

	for _, id := range targets {
		a := b.get(id)
		a.mu.Lock()
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		batch := a.drainLocked()
		a.mu.Unlock()
		if len(batch) > 0 {
			b.flush(id, batch)
		}
	}
}
