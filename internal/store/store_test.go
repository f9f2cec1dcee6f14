package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/co2-monitor/internal/models"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "co2.db"), opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func measurementAt(ts time.Time, co2 int) models.Measurement {
	return models.Measurement{CO2: co2, Temperature: 21.5, Humidity: 40.25, Timestamp: ts}
}

// TestStore_AppendThenQueryRange verifies that an appended measurement is returned exactly once
// with the values that were appended.
func TestStore_AppendThenQueryRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts := time.Date(2024, 5, 1, 10, 30, 15, 123456789, time.UTC)
	want := models.Measurement{CO2: 512, Temperature: 23.4, Humidity: 41.2, Timestamp: ts}

	id, err := s.Append(ctx, want)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if id == 0 {
		t.Error("Append() identity = 0, want non-zero")
	}

	got, err := s.QueryRange(ctx, ts.Add(-time.Minute), ts.Add(time.Minute))
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryRange() returned %d rows, want 1", len(got))
	}
	if got[0].CO2 != want.CO2 || got[0].Temperature != want.Temperature || got[0].Humidity != want.Humidity {
		t.Errorf("QueryRange()[0] = %+v, want %+v", got[0], want)
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Errorf("QueryRange()[0].Timestamp = %v, want %v", got[0].Timestamp, ts)
	}
}

func TestStore_IdentitiesIncrease(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	id1, err := s.Append(ctx, measurementAt(ts, 1))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	id2, err := s.Append(ctx, measurementAt(ts, 2))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if id2 <= id1 {
		t.Errorf("identities %d then %d, want increasing", id1, id2)
	}
}

// TestStore_QueryRange_InclusiveBounds verifies that start == end == a stored timestamp includes it.
func TestStore_QueryRange_InclusiveBounds(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 500000000, time.UTC)
	if _, err := s.Append(ctx, measurementAt(ts, 700)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.QueryRange(ctx, ts, ts)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 1 || got[0].CO2 != 700 {
		t.Errorf("QueryRange(ts, ts) = %+v, want the single measurement", got)
	}
}

// TestStore_QueryRange_Ordering verifies ascending order regardless of append order.
func TestStore_QueryRange_Ordering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(1500 * time.Millisecond)
	t3 := t1.Add(5 * time.Second)

	for _, m := range []models.Measurement{measurementAt(t2, 2), measurementAt(t1, 1), measurementAt(t3, 3)} {
		if _, err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.QueryRange(ctx, t1, t3)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("QueryRange() returned %d rows, want 3", len(got))
	}
	for i, want := range []int{1, 2, 3} {
		if got[i].CO2 != want {
			t.Errorf("QueryRange()[%d].CO2 = %d, want %d", i, got[i].CO2, want)
		}
	}
}

func TestStore_QueryRange_ExcludesOutside(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, measurementAt(base.Add(time.Duration(i)*time.Minute), i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.QueryRange(ctx, base.Add(time.Minute), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 3 || got[0].CO2 != 1 || got[2].CO2 != 3 {
		t.Errorf("QueryRange() = %+v, want CO2 1..3", got)
	}
}

// TestStore_QueryRange_NonUTCBounds verifies that bounds in another zone address the same instants.
func TestStore_QueryRange_NonUTCBounds(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	zone := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, 5, 1, 14, 0, 0, 0, zone)
	if _, err := s.Append(ctx, measurementAt(ts, 42)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.QueryRange(ctx, ts.UTC(), ts.UTC())
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 1 || got[0].CO2 != 42 {
		t.Errorf("QueryRange() = %+v, want the measurement", got)
	}
}

func TestStore_QueryRange_EmptyIsNotNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.QueryRange(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("QueryRange() = %#v, want empty non-nil slice", got)
	}
}

func TestStore_QueryRecent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return now }))

	for _, m := range []models.Measurement{
		measurementAt(now.Add(-25*time.Hour), 1),
		measurementAt(now.Add(-23*time.Hour), 2),
		measurementAt(now.Add(-time.Minute), 3),
		measurementAt(now.Add(time.Minute), 4),
	} {
		if _, err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.QueryRecent(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("QueryRecent() error = %v", err)
	}
	if len(got) != 2 || got[0].CO2 != 2 || got[1].CO2 != 3 {
		t.Errorf("QueryRecent(24h) = %+v, want CO2 2 and 3", got)
	}
}

func TestStore_CountAndLatest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.Latest(ctx); err != nil || ok {
		t.Fatalf("Latest() on empty store = ok %v, err %v; want false, nil", ok, err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, measurementAt(base.Add(time.Duration(i)*time.Second), 100+i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
	m, ok, err := s.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest() = ok %v, err %v", ok, err)
	}
	if m.CO2 != 102 {
		t.Errorf("Latest().CO2 = %d, want 102", m.CO2)
	}
}

func TestStore_Ping(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

// TestStore_FaultsAreWrapped verifies that operations on a closed store surface ErrStore.
func TestStore_FaultsAreWrapped(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "co2.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := s.Append(context.Background(), measurementAt(time.Now(), 1)); !errors.Is(err, ErrStore) {
		t.Errorf("Append() after Close error = %v, want ErrStore", err)
	}
	if _, err := s.QueryRange(context.Background(), time.Now(), time.Now()); !errors.Is(err, ErrStore) {
		t.Errorf("QueryRange() after Close error = %v, want ErrStore", err)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "co2.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := s.Append(ctx, measurementAt(ts, 9)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	n, err := s.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count() after reopen = %d, %v; want 1, nil", n, err)
	}
}
