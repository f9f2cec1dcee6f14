// Package store persists measurements as an append-only time series in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kjstillabower/co2-monitor/internal/models"
)

// ErrStore wraps every storage fault returned by Store.
var ErrStore = errors.New("store")

const memoryPath = ":memory:"

// measurementRow is the persisted shape of a Measurement. ID is the durable identity.
type measurementRow struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp   time.Time `gorm:"column:timestamp;not null"`
	CO2         int       `gorm:"column:co2;not null"`
	Temperature float64   `gorm:"column:temperature;not null"`
	Humidity    float64   `gorm:"column:humidity;not null"`
}

func (measurementRow) TableName() string {
	return "measurements"
}

func (r measurementRow) measurement() models.Measurement {
	return models.Measurement{
		CO2:         r.CO2,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Timestamp:   r.Timestamp,
	}
}

// Store is the SQLite-backed measurement series. Timestamps are stored in UTC so
// that range comparisons on the stored text order correctly.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used by QueryRecent.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create database directory: %w", ErrStore, err)
			}
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStore, path, err)
	}
	if path == memoryPath {
		// Every connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", ErrStore, err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append persists one measurement and returns its identity.
func (s *Store) Append(ctx context.Context, m models.Measurement) (uint, error) {
	row := measurementRow{
		Timestamp:   m.Timestamp.UTC(),
		CO2:         m.CO2,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("%w: append measurement: %w", ErrStore, err)
	}
	return row.ID, nil
}

// QueryRange returns measurements with start <= timestamp <= end in ascending
// timestamp order. An empty range yields an empty, non-nil slice.
func (s *Store) QueryRange(ctx context.Context, start, end time.Time) ([]models.Measurement, error) {
	var rows []measurementRow
	err := s.db.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", start.UTC(), end.UTC()).
		Order("timestamp ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: query range: %w", ErrStore, err)
	}
	out := make([]models.Measurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.measurement())
	}
	return out, nil
}

// QueryRecent returns measurements received within d of now.
func (s *Store) QueryRecent(ctx context.Context, d time.Duration) ([]models.Measurement, error) {
	now := s.now()
	return s.QueryRange(ctx, now.Add(-d), now)
}

// Count returns the number of stored measurements.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&measurementRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrStore, err)
	}
	return n, nil
}

// Latest returns the newest stored measurement, ok=false when the store is empty.
func (s *Store) Latest(ctx context.Context) (models.Measurement, bool, error) {
	var row measurementRow
	err := s.db.WithContext(ctx).Order("timestamp DESC, id DESC").Limit(1).Find(&row).Error
	if err != nil {
		return models.Measurement{}, false, fmt.Errorf("%w: latest: %w", ErrStore, err)
	}
	if row.ID == 0 {
		return models.Measurement{}, false, nil
	}
	return row.measurement(), true, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStore, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return sqlDB.Close()
}
