package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/config"
)

func TestSizeBasedFlushesAtLimit(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]*codec.Envelope

	cfg := config.Config{BatchStrategy: config.BatchSizeBased, BatchMaxSize: 2, BatchMaxDelay: time.Hour}
	b := New(cfg, func(targetID string, batch []*codec.Envelope) {
		mu.Lock()
		flushed = append(flushed, batch)
		mu.Unlock()
	})

	b.Add("t1", &codec.Envelope{Type: codec.TypeMessage})
	b.Add("t1", &codec.Envelope{Type: codec.TypeMessage})

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 2 {
		t.Fatalf("expected one flush of 2, got %v", flushed)
	}
}

func TestCriticalMessageForcesImmediateFlush(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]*codec.Envelope

	cfg := config.Config{BatchStrategy: config.BatchHybrid, BatchMaxSize: 50, BatchMaxDelay: time.Hour}
	b := New(cfg, func(targetID string, batch []*codec.Envelope) {
		mu.Lock()
		flushed = append(flushed, batch)
		mu.Unlock()
	})

	b.Add("t1", &codec.Envelope{Type: codec.TypeMessage, Priority: codec.PriorityNormal})
	b.Add("t1", &codec.Envelope{Type: codec.TypeCriticalMessage, Priority: codec.PriorityCritical})

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 2 {
		t.Fatalf("expected forced flush carrying both messages, got %v", flushed)
	}
}

func TestTimeBasedFlushesAfterDelay(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]*codec.Envelope
	done := make(chan struct{})

	cfg := config.Config{BatchStrategy: config.BatchTimeBased, BatchMaxDelay: 10 * time.Millisecond}
	b := New(cfg, func(targetID string, batch []*codec.Envelope) {
		mu.Lock()
		flushed = append(flushed, batch)
		mu.Unlock()
		close(done)
	})

	b.Add("t1", &codec.Envelope{Type: codec.TypeMessage})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for time-based flush")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 1 {
		t.Fatalf("expected one flush of 1, got %v", flushed)
	}
}

func TestFlushAllDrainsPendingAccumulators(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]*codec.Envelope

	cfg := config.Config{BatchStrategy: config.BatchHybrid, BatchMaxSize: 50, BatchMaxDelay: time.Hour}
	b := New(cfg, func(targetID string, batch []*codec.Envelope) {
		mu.Lock()
		flushed = append(flushed, batch)
		mu.Unlock()
	})

	b.Add("t1", &codec.Envelope{Type: codec.TypeMessage})
	b.FlushAll()

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 1 {
		t.Fatalf("expected FlushAll to drain pending batch, got %v", flushed)
	}
}
