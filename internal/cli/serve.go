package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/co2-monitor/internal/acquirer"
	"github.com/kjstillabower/co2-monitor/internal/cache"
	"github.com/kjstillabower/co2-monitor/internal/circuitbreaker"
	"github.com/kjstillabower/co2-monitor/internal/config"
	httphandler "github.com/kjstillabower/co2-monitor/internal/http"
	"github.com/kjstillabower/co2-monitor/internal/latest"
	"github.com/kjstillabower/co2-monitor/internal/lifecycle"
	"github.com/kjstillabower/co2-monitor/internal/observability"
	"github.com/kjstillabower/co2-monitor/internal/publisher"
	"github.com/kjstillabower/co2-monitor/internal/serialport"
	"github.com/kjstillabower/co2-monitor/internal/service"
	"github.com/kjstillabower/co2-monitor/internal/stats"
	"github.com/kjstillabower/co2-monitor/internal/store"
	"github.com/kjstillabower/co2-monitor/internal/traffic"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run serial acquisition and the HTTP query API",
		Long: `Serve opens the configured serial device, stores every accepted measurement
and serves /api/latest, /api/history, /api/range, /health and /metrics.

Configuration is read from config/{ENV_NAME}.yaml relative to the working
directory, with .env and environment overrides. SIGINT or SIGTERM starts a
graceful shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := observability.NewLogger()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := config.Load()
			if err != nil {
				logger.Error("config", zap.Error(err))
				return err
			}
			if p := dbFlag(cmd); p != "" {
				cfg.DatabasePath = p
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve runs until ctx is cancelled or the HTTP server fails, then shuts down in order.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	logger.Info("store opened", zap.String("path", cfg.DatabasePath))

	latestCache := latest.New()
	tracker := traffic.NewTracker(traffic.DefaultMaxAge)
	observability.RegisterIngestionGauges(tracker, cfg.IngestionWindow)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        "store",
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(component).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.CircuitBreakerState.WithLabelValues("store").Set(float64(circuitbreaker.StateClosed))

	acqOpts := []acquirer.Option{
		acquirer.WithConfig(acquirer.Config{
			PollInterval:   cfg.PollInterval,
			ReconnectDelay: cfg.ReconnectDelay,
			MaxLineLength:  cfg.MaxLineLength,
			AppendAttempts: cfg.AppendAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
		}),
		acquirer.WithBreaker(breaker),
		acquirer.WithRecorder(tracker),
	}

	var mqttPub *publisher.MQTTPublisher
	if cfg.MQTTEnabled {
		mqttPub, err = publisher.Connect(publisher.Config{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			Topic:          cfg.MQTTTopic,
			QoS:            cfg.MQTTQoS,
			Retained:       cfg.MQTTRetained,
			ConnectTimeout: cfg.MQTTConnectTimeout,
		}, logger)
		if err != nil {
			// Fan-out is optional; acquisition and queries run without it.
			logger.Warn("mqtt publisher disabled", zap.Error(err))
		} else {
			acqOpts = append(acqOpts, acquirer.WithPublishers(mqttPub))
			logger.Info("mqtt publisher enabled", zap.String("broker", cfg.MQTTBroker), zap.String("topic", cfg.MQTTTopic))
		}
	}

	opener := serialport.Opener{Device: cfg.SerialPort, BaudRate: cfg.BaudRate, ReadTimeout: cfg.ReadTimeout}
	acq := acquirer.New(opener, latestCache, st, logger, acqOpts...)

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("memcached cache: %w", err)
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "in_memory":
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	default:
		logger.Info("cache backend: none")
	}
	querySvc := service.NewQueryService(latestCache, st, cacheSvc, service.Options{
		HistoryTTL:      cfg.HistoryCacheTTL,
		RangeTTL:        cfg.RangeCacheTTL,
		CoalesceTimeout: cfg.CoalesceTimeout,
	})

	healthConfig := &httphandler.HealthConfig{
		LinkConnected: func() bool { return acq.State() == acquirer.StateConnected },
		LastReading: func() (time.Time, bool) {
			m, ok := latestCache.Get()
			return m.Timestamp, ok
		},
		StoreErrorRate:   tracker.StoreErrorRate,
		StoreErrorWindow: cfg.StoreErrorWindow,
		StoreErrorPct:    cfg.StoreErrorPct,
		StaleAfter:       cfg.StaleAfter,
		StorePing:        st.Ping,
		StartTime:        time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	handler := httphandler.NewHandler(querySvc, httphandler.QueryConfig{
		DefaultHours: cfg.DefaultHistoryHours,
		MaxHours:     cfg.MaxHistoryHours,
		Location:     cfg.Location,
	}, healthConfig, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		InFlight:       inFlight,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	reporter := stats.NewReporter(st, cfg.StatsWindow, logger)
	scheduler, err := reporter.Schedule(cfg.StatsSchedule)
	if err != nil {
		logger.Warn("stats job disabled", zap.Error(err))
	}

	acqCtx, cancelAcq := context.WithCancel(context.Background())
	acqDone := make(chan struct{})
	go func() {
		defer close(acqDone)
		logger.Info("acquirer starting", zap.String("device", cfg.SerialPort), zap.Int("baud_rate", cfg.BaudRate))
		if err := acq.Run(acqCtx); err != nil {
			logger.Error("acquirer stopped", zap.Error(err))
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case runErr = <-serverErr:
		logger.Error("server", zap.Error(runErr))
	}

	seq := lifecycle.NewSequence(logger)
	seq.Add("http server", srv.Shutdown)
	seq.Add("in-flight requests", func(ctx context.Context) error {
		logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
		waitCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownInFlightTimeout)
		defer cancel()
		return inFlight.Drain(waitCtx)
	})
	seq.Add("acquirer", func(ctx context.Context) error {
		cancelAcq()
		select {
		case <-acqDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if scheduler != nil {
		seq.Add("stats scheduler", func(ctx context.Context) error { return stats.StopScheduler(ctx, scheduler) })
	}
	if mqttPub != nil {
		seq.Add("mqtt", func(context.Context) error { return mqttPub.Close() })
	}
	if memcacheCloser != nil {
		seq.Add("memcached", func(context.Context) error { return memcacheCloser.Close() })
	}
	seq.Add("store", func(context.Context) error { return st.Close() })
	seq.Add("telemetry", func(ctx context.Context) error { return observability.FlushTelemetry(ctx, logger) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := seq.Run(shutdownCtx); err != nil {
		logger.Warn("shutdown completed with errors", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}
