// Package stats periodically summarizes stored measurements into gauges and logs.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/observability"
)

// Source is the store surface read by the reporter.
type Source interface {
	Count(ctx context.Context) (int64, error)
	QueryRecent(ctx context.Context, d time.Duration) ([]models.Measurement, error)
	Latest(ctx context.Context) (models.Measurement, bool, error)
}

// Aggregate is min/max/avg of one quantity.
type Aggregate struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Summary is one stats run.
type Summary struct {
	Stored      int64         `json:"stored"`
	NewestAge   time.Duration `json:"newestAge"` // zero when the table is empty
	Window      time.Duration `json:"window"`
	Samples     int           `json:"samples"`
	CO2         Aggregate     `json:"co2"`
	Temperature Aggregate     `json:"temperature"`
	Humidity    Aggregate     `json:"humidity"`
}

// Reporter computes summaries over a trailing window.
type Reporter struct {
	src     Source
	window  time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewReporter creates a reporter over the trailing window. window <= 0 means one hour.
func NewReporter(src Source, window time.Duration, logger *zap.Logger) *Reporter {
	if window <= 0 {
		window = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{src: src, window: window, timeout: 10 * time.Second, logger: logger, now: time.Now}
}

// Compute reads the row count and the trailing window and aggregates it.
func (r *Reporter) Compute(ctx context.Context) (Summary, error) {
	stored, err := r.src.Count(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("count measurements: %w", err)
	}
	newest, ok, err := r.src.Latest(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read newest measurement: %w", err)
	}
	rows, err := r.src.QueryRecent(ctx, r.window)
	if err != nil {
		return Summary{}, fmt.Errorf("query stats window: %w", err)
	}
	s := Summary{Stored: stored, Window: r.window, Samples: len(rows)}
	if ok {
		s.NewestAge = r.now().Sub(newest.Timestamp)
	}
	if len(rows) == 0 {
		return s, nil
	}
	s.CO2 = aggregate(rows, func(m models.Measurement) float64 { return float64(m.CO2) })
	s.Temperature = aggregate(rows, func(m models.Measurement) float64 { return m.Temperature })
	s.Humidity = aggregate(rows, func(m models.Measurement) float64 { return m.Humidity })
	return s, nil
}

// Report runs Compute and publishes the result. Errors are logged, not returned, since it runs from cron.
func (r *Reporter) Report() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	s, err := r.Compute(ctx)
	if err != nil {
		r.logger.Warn("stats run failed", zap.Error(err))
		return
	}
	observability.StoredMeasurements.Set(float64(s.Stored))
	observability.NewestMeasurementAge.Set(s.NewestAge.Seconds())
	if s.Samples > 0 {
		setStats("co2", s.CO2)
		setStats("temperature", s.Temperature)
		setStats("humidity", s.Humidity)
	}
	r.logger.Info("measurement stats",
		zap.Int64("stored", s.Stored),
		zap.Duration("newest_age", s.NewestAge),
		zap.Duration("window", s.Window),
		zap.Int("samples", s.Samples),
		zap.Float64("co2_avg", s.CO2.Avg),
		zap.Float64("temperature_avg", s.Temperature.Avg),
		zap.Float64("humidity_avg", s.Humidity.Avg),
	)
}

// Schedule registers Report on a new cron scheduler and starts it. Stop the returned scheduler on shutdown.
func (r *Reporter) Schedule(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, r.Report); err != nil {
		return nil, fmt.Errorf("schedule stats %q: %w", schedule, err)
	}
	c.Start()
	r.logger.Info("stats scheduled", zap.String("schedule", schedule), zap.Duration("window", r.window))
	return c, nil
}

// StopScheduler stops c and waits for a running job, bounded by ctx.
func StopScheduler(ctx context.Context, c *cron.Cron) error {
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func setStats(quantity string, a Aggregate) {
	observability.WindowStats.WithLabelValues(quantity, "min").Set(a.Min)
	observability.WindowStats.WithLabelValues(quantity, "max").Set(a.Max)
	observability.WindowStats.WithLabelValues(quantity, "avg").Set(a.Avg)
}

func aggregate(rows []models.Measurement, value func(models.Measurement) float64) Aggregate {
	a := Aggregate{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, m := range rows {
		v := value(m)
		a.Min = math.Min(a.Min, v)
		a.Max = math.Max(a.Max, v)
		sum += v
	}
	a.Avg = sum / float64(len(rows))
	return a
}
