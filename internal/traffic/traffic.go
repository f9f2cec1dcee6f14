package traffic

import (
	"sync"
	"time"
)

// DefaultMaxAge bounds how long outcomes are retained.
const DefaultMaxAge = 30 * time.Minute

// Tracker maintains sliding windows of ingestion outcome timestamps.
// The acquirer records into it; the health handler reads from it.
type Tracker struct {
	mu            sync.Mutex
	maxAge        time.Duration
	now           func() time.Time
	acceptedTimes []time.Time
	rejectedTimes []time.Time
	storedTimes   []time.Time
	storeErrTimes []time.Time
}

// NewTracker returns a Tracker retaining outcomes for maxAge (DefaultMaxAge if <= 0).
func NewTracker(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{maxAge: maxAge, now: time.Now}
}

// RecordAccepted records a line that parsed into a measurement.
func (t *Tracker) RecordAccepted() {
	t.recordOutcome(&t.acceptedTimes)
}

// RecordRejected records a line that failed protocol validation.
func (t *Tracker) RecordRejected() {
	t.recordOutcome(&t.rejectedTimes)
}

// RecordStored records a successful store append.
func (t *Tracker) RecordStored() {
	t.recordOutcome(&t.storedTimes)
}

// RecordStoreError records a sample dropped because the store append failed.
func (t *Tracker) RecordStoreError() {
	t.recordOutcome(&t.storeErrTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// AcceptedCount returns the number of accepted lines within the window.
func (t *Tracker) AcceptedCount(window time.Duration) int {
	return t.count(&t.acceptedTimes, window)
}

// RejectedCount returns the number of rejected lines within the window.
func (t *Tracker) RejectedCount(window time.Duration) int {
	return t.count(&t.rejectedTimes, window)
}

func (t *Tracker) count(slice *[]time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countInWindow(*slice, t.now().Add(-window))
}

// StoreErrorRate returns (errors, total) of store appends within the window.
// total = successful appends + failed appends.
func (t *Tracker) StoreErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errCount := countInWindow(t.storeErrTimes, cutoff)
	return errCount, errCount + countInWindow(t.storedTimes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acceptedTimes = nil
	t.rejectedTimes = nil
	t.storedTimes = nil
	t.storeErrTimes = nil
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.acceptedTimes)
	prune(&t.rejectedTimes)
	prune(&t.storedTimes)
	prune(&t.storeErrTimes)
}
