package http

import (
	"context"
	"sync"

	"github.com/kjstillabower/co2-monitor/internal/observability"
)

// InFlightTracker counts requests being served so shutdown can drain them.
// The zero value is ready to use.
type InFlightTracker struct {
	mu      sync.Mutex
	count   int64
	drained chan struct{} // closed when count returns to zero; nil while idle
}

// Begin registers a request and returns the func that ends it. Call the returned func exactly once.
func (t *InFlightTracker) Begin() (end func()) {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
	observability.HTTPRequestsInFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			observability.HTTPRequestsInFlight.Dec()
			t.mu.Lock()
			defer t.mu.Unlock()
			t.count--
			if t.count == 0 && t.drained != nil {
				close(t.drained)
				t.drained = nil
			}
		})
	}
}

// Count returns the number of requests currently in flight.
func (t *InFlightTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Drain blocks until no request is in flight or ctx ends.
func (t *InFlightTracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.drained == nil {
		t.drained = make(chan struct{})
	}
	ch := t.drained
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
