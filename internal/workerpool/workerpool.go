// Package workerpool runs tasks on a fixed pool of goroutines with a
// buffered queue, so a broadcast to a large audience reuses pooled
// dispatch goroutines instead of spawning one per chunk while the queue
// has room. When the queue is full, Submit drops the task and counts the
// drop, and TrySubmit reports the rejection so the caller can run the
// task itself. Grounded directly on the teacher's WorkerPool, which
// served the same purpose (bounding broadcast goroutines) in ws/.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Task func()

type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks atomic.Int64
	logger       zerolog.Logger
}

func New(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.runTask(task)
		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker panic recovered, worker continues")
		}
	}()
	task()
}

// Submit enqueues a task, dropping it (and counting the drop) if the
// queue is full, to provide backpressure instead of unbounded growth.
func (wp *WorkerPool) Submit(task Task) {
	if !wp.TrySubmit(task) {
		wp.droppedTasks.Add(1)
	}
}

// TrySubmit enqueues a task and reports whether it was accepted, so a
// caller that owns its own completion signal (a WaitGroup, a reply
// channel) can fall back to running the task itself on rejection
// instead of losing the work.
func (wp *WorkerPool) TrySubmit(task Task) bool {
	select {
	case wp.taskQueue <- task:
		return true
	default:
		return false
	}
}

func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

func (wp *WorkerPool) DroppedTasks() int64 { return wp.droppedTasks.Load() }
func (wp *WorkerPool) QueueDepth() int     { return len(wp.taskQueue) }
func (wp *WorkerPool) QueueCapacity() int  { return cap(wp.taskQueue) }
