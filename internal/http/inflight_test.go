package http

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInFlightTracker_BeginEnd(t *testing.T) {
	var tracker InFlightTracker
	endA := tracker.Begin()
	endB := tracker.Begin()
	if got := tracker.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	endA()
	endA() // second call is a no-op
	if got := tracker.Count(); got != 1 {
		t.Errorf("Count() after double end = %d, want 1", got)
	}
	endB()
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestInFlightTracker_DrainIdle(t *testing.T) {
	var tracker InFlightTracker
	if err := tracker.Drain(context.Background()); err != nil {
		t.Errorf("Drain() on idle tracker = %v, want nil", err)
	}
}

// TestInFlightTracker_DrainWaitsForAll verifies that every concurrent waiter is released
// once the last request ends.
func TestInFlightTracker_DrainWaitsForAll(t *testing.T) {
	var tracker InFlightTracker
	end := tracker.Begin()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			errs <- tracker.Drain(ctx)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	end()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Drain() = %v, want nil", err)
		}
	}
}

func TestInFlightTracker_DrainContextCancelled(t *testing.T) {
	var tracker InFlightTracker
	end := tracker.Begin()
	defer end()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tracker.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() = %v, want DeadlineExceeded", err)
	}
}
