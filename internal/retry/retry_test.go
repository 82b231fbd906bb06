package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScheduleRedeliversAfterBackoff(t *testing.T) {
	var mu sync.Mutex
	var redelivered []string

	s := New(Config{
		Intervals:   []time.Duration{5 * time.Millisecond},
		MaxAttempts: 4,
		Logger:      zerolog.Nop(),
	}, func(e *Entry) {
		mu.Lock()
		redelivered = append(redelivered, e.MessageID)
		mu.Unlock()
	}, func(e *Entry) {
		t.Fatalf("unexpected exhaustion for %s", e.MessageID)
	})

	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	s.Schedule("m1", "u1", nil, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(redelivered)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(redelivered) != 1 || redelivered[0] != "m1" {
		t.Fatalf("expected m1 redelivered once, got %v", redelivered)
	}
}

func TestScheduleExhaustsAfterMaxAttempts(t *testing.T) {
	var exhausted []string
	s := New(Config{
		Intervals:   []time.Duration{time.Millisecond},
		MaxAttempts: 2,
		Logger:      zerolog.Nop(),
	}, func(e *Entry) {
		t.Fatal("should not redeliver on exhaustion path")
	}, func(e *Entry) {
		exhausted = append(exhausted, e.MessageID)
	})

	// retryCount starts at 2 (already failed twice), next Schedule call pushes to 3 > MaxAttempts(2).
	s.Schedule("m1", "u1", nil, 2)

	if len(exhausted) != 1 || exhausted[0] != "m1" {
		t.Fatalf("expected m1 exhausted, got %v", exhausted)
	}
}
