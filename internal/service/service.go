// Package service answers the three read-side queries: the latest reading, the
// trailing history window, and an explicit time range.
package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/cache"
	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/observability"
)

// LatestGetter is the read side of the latest-measurement cache.
type LatestGetter interface {
	Get() (models.Measurement, bool)
}

// Reader is the read side of the measurement store.
type Reader interface {
	QueryRange(ctx context.Context, start, end time.Time) ([]models.Measurement, error)
	QueryRecent(ctx context.Context, window time.Duration) ([]models.Measurement, error)
}

// Options tunes caching and coalescing. Zero TTLs disable caching for that query kind.
type Options struct {
	HistoryTTL      time.Duration
	RangeTTL        time.Duration
	CoalesceTimeout time.Duration
}

// QueryService serves read queries. History and range results go through the
// optional cache (cache-aside) and concurrent identical queries are coalesced.
type QueryService struct {
	latest    LatestGetter
	store     Reader
	cache     cache.Cache
	opts      Options
	coalescer *requestCoalescer
	now       func() time.Time
}

// NewQueryService creates a QueryService. c may be nil to disable caching.
func NewQueryService(latest LatestGetter, store Reader, c cache.Cache, opts Options) *QueryService {
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &QueryService{
		latest:    latest,
		store:     store,
		cache:     c,
		opts:      opts,
		coalescer: coalescer,
		now:       time.Now,
	}
}

// GetLatest returns the most recent accepted measurement, or an all-null reading
// before the first one. Never touches the store.
func (s *QueryService) GetLatest() models.LatestReading {
	observability.QueriesTotal.WithLabelValues("latest").Inc()
	m, ok := s.latest.Get()
	return models.NewLatestReading(m, ok)
}

// GetHistory returns measurements from the trailing window of the given hours,
// oldest first. hours must already be validated (positive).
func (s *QueryService) GetHistory(ctx context.Context, hours int) (models.Series, error) {
	observability.QueriesTotal.WithLabelValues("history").Inc()
	key := "history:" + strconv.Itoa(hours)
	series, err := s.cached(ctx, key, "history", s.opts.HistoryTTL, func(ctx context.Context) ([]models.Measurement, error) {
		return s.store.QueryRecent(ctx, time.Duration(hours)*time.Hour)
	})
	if err != nil {
		return models.Series{}, fmt.Errorf("query history (%dh): %w", hours, err)
	}
	return series, nil
}

// GetRange returns measurements with start <= timestamp <= end, oldest first.
// An inverted range yields an empty series. Ranges that end in the past are
// immutable and cached for RangeTTL; open-ended ranges are never cached.
func (s *QueryService) GetRange(ctx context.Context, start, end time.Time) (models.Series, error) {
	observability.QueriesTotal.WithLabelValues("range").Inc()
	if start.After(end) {
		return models.NewSeries(nil), nil
	}
	ttl := s.opts.RangeTTL
	if !end.Before(s.now()) {
		ttl = 0
	}
	key := "range:" + start.UTC().Format(time.RFC3339Nano) + "/" + end.UTC().Format(time.RFC3339Nano)
	series, err := s.cached(ctx, key, "range", ttl, func(ctx context.Context) ([]models.Measurement, error) {
		return s.store.QueryRange(ctx, start, end)
	})
	if err != nil {
		return models.Series{}, fmt.Errorf("query range: %w", err)
	}
	return series, nil
}

// cached runs the cache-aside lookup for key. Cache errors are logged and the
// query falls through to the store.
func (s *QueryService) cached(ctx context.Context, key, kind string, ttl time.Duration, query func(ctx context.Context) ([]models.Measurement, error)) (models.Series, error) {
	logger := observability.LoggerFromContext(ctx)
	useCache := s.cache != nil && ttl > 0

	if useCache {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			if logger != nil {
				logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
			}
		} else if ok {
			observability.CacheHitsTotal.WithLabelValues(kind).Inc()
			if logger != nil {
				logger.Debug("cache hit", zap.String("key", key))
			}
			return cached, nil
		}
	}

	load := func(ctx context.Context) (models.Series, error) {
		rows, err := query(ctx)
		if err != nil {
			return models.Series{}, err
		}
		return models.NewSeries(rows), nil
	}

	var series models.Series
	var err error
	if s.coalescer != nil {
		var shared bool
		series, shared, err = s.coalescer.GetOrDo(ctx, key, load)
		if shared && logger != nil {
			logger.Debug("query coalesced", zap.String("key", key))
		}
	} else {
		series, err = load(ctx)
	}
	if err != nil {
		return models.Series{}, err
	}

	if useCache {
		if setErr := s.cache.Set(ctx, key, series, ttl); setErr != nil && logger != nil {
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	return series, nil
}
