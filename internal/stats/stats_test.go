package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/observability"
)

type fakeSource struct {
	count    int64
	newest   *models.Measurement
	rows     []models.Measurement
	err      error
	gotRange time.Duration
}

func (f *fakeSource) Count(context.Context) (int64, error) { return f.count, f.err }

func (f *fakeSource) Latest(context.Context) (models.Measurement, bool, error) {
	if f.newest == nil {
		return models.Measurement{}, false, f.err
	}
	return *f.newest, true, f.err
}

func (f *fakeSource) QueryRecent(_ context.Context, d time.Duration) ([]models.Measurement, error) {
	f.gotRange = d
	return f.rows, f.err
}

func TestCompute_Aggregates(t *testing.T) {
	src := &fakeSource{count: 42, rows: []models.Measurement{
		{CO2: 400, Temperature: 20, Humidity: 30},
		{CO2: 800, Temperature: 22, Humidity: 50},
		{CO2: 600, Temperature: 24, Humidity: 40},
	}}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.newest = &models.Measurement{CO2: 600, Timestamp: now.Add(-90 * time.Second)}
	r := NewReporter(src, 30*time.Minute, nil)
	r.now = func() time.Time { return now }

	s, err := r.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if src.gotRange != 30*time.Minute {
		t.Errorf("queried window = %v, want 30m", src.gotRange)
	}
	if s.Stored != 42 || s.Samples != 3 {
		t.Errorf("Stored/Samples = %d/%d, want 42/3", s.Stored, s.Samples)
	}
	if s.NewestAge != 90*time.Second {
		t.Errorf("NewestAge = %v, want 90s", s.NewestAge)
	}
	want := Aggregate{Min: 400, Max: 800, Avg: 600}
	if s.CO2 != want {
		t.Errorf("CO2 = %+v, want %+v", s.CO2, want)
	}
	if s.Temperature != (Aggregate{Min: 20, Max: 24, Avg: 22}) {
		t.Errorf("Temperature = %+v", s.Temperature)
	}
	if s.Humidity != (Aggregate{Min: 30, Max: 50, Avg: 40}) {
		t.Errorf("Humidity = %+v", s.Humidity)
	}
}

// TestCompute_EmptyWindow verifies that no rows yields zero aggregates rather than infinities.
func TestCompute_EmptyWindow(t *testing.T) {
	s, err := NewReporter(&fakeSource{count: 5}, 0, nil).Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if s.Window != time.Hour {
		t.Errorf("Window = %v, want default 1h", s.Window)
	}
	if s.Samples != 0 || s.CO2 != (Aggregate{}) || s.NewestAge != 0 {
		t.Errorf("summary = %+v, want zero aggregates", s)
	}
}

// TestReport_SetsGaugesAndLogs verifies that a run updates the stats gauges and logs at INFO.
func TestReport_SetsGaugesAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	src := &fakeSource{count: 7, rows: []models.Measurement{{CO2: 500, Temperature: 21, Humidity: 45}}}
	NewReporter(src, time.Hour, zap.New(core)).Report()

	if got := testutil.ToFloat64(observability.StoredMeasurements); got != 7 {
		t.Errorf("storedMeasurements = %v, want 7", got)
	}
	if got := testutil.ToFloat64(observability.WindowStats.WithLabelValues("co2", "max")); got != 500 {
		t.Errorf("windowStats{co2,max} = %v, want 500", got)
	}
	entries := logs.FilterMessage("measurement stats").All()
	if len(entries) != 1 {
		t.Fatalf("stats log entries = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["stored"] != int64(7) {
		t.Errorf("stored field = %v, want 7", entries[0].ContextMap()["stored"])
	}
}

// TestReport_LogsStoreError verifies that a failing store is logged at WARN.
func TestReport_LogsStoreError(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	NewReporter(&fakeSource{err: errors.New("locked")}, time.Hour, zap.New(core)).Report()
	if logs.FilterMessage("stats run failed").Len() != 1 {
		t.Errorf("expected one stats run failed entry, got %v", logs.All())
	}
}

func TestSchedule_InvalidSpec(t *testing.T) {
	if _, err := NewReporter(&fakeSource{}, time.Hour, nil).Schedule("not a schedule"); err == nil {
		t.Fatal("Schedule() expected error for invalid schedule")
	}
}

func TestSchedule_StartsAndStops(t *testing.T) {
	c, err := NewReporter(&fakeSource{}, time.Hour, nil).Schedule("@every 1h")
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(c.Entries()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := StopScheduler(ctx, c); err != nil {
		t.Errorf("StopScheduler() error = %v", err)
	}
}
