// Package acquirer owns the serial link: it opens the port, frames lines, parses
// them, and hands accepted measurements to the latest cache, the store, and any
// publishers. A fault on the link never stops acquisition; the port is closed and
// reopened after a delay until the context is cancelled.
package acquirer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/circuitbreaker"
	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/observability"
)

const (
	StateDisconnected State = iota
	StateConnected
)

// State is the link state reported to observers.
type State int

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Port is an open serial link. Read may return (0, nil) when no data arrived
// within the port's read timeout.
type Port interface {
	io.Reader
	io.Closer
}

// Opener opens the serial link.
type Opener interface {
	Open(ctx context.Context) (Port, error)
}

// LatestSetter receives every accepted measurement.
type LatestSetter interface {
	Set(m models.Measurement)
}

// Appender persists accepted measurements.
type Appender interface {
	Append(ctx context.Context, m models.Measurement) (uint, error)
}

// Publisher fans accepted measurements out to an external system. Failures are
// logged and never block persistence.
type Publisher interface {
	Publish(ctx context.Context, m models.Measurement) error
}

// OutcomeRecorder receives per-line and per-append outcomes (see traffic.Tracker).
type OutcomeRecorder interface {
	RecordAccepted()
	RecordRejected()
	RecordStored()
	RecordStoreError()
}

// Config holds acquisition timings and limits. Zero values take defaults.
type Config struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	MaxLineLength  int
	AppendAttempts int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = 1024
	}
	if c.AppendAttempts <= 0 {
		c.AppendAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 500 * time.Millisecond
	}
	return c
}

// Acquirer runs the read loop. Create with New; call Run once.
type Acquirer struct {
	opener     Opener
	latest     LatestSetter
	store      Appender
	publishers []Publisher
	breaker    *circuitbreaker.CircuitBreaker
	recorder   OutcomeRecorder
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time

	mu            sync.Mutex
	state         State
	onStateChange func(from, to State)
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithConfig sets timings and limits.
func WithConfig(cfg Config) Option {
	return func(a *Acquirer) { a.cfg = cfg.withDefaults() }
}

// WithPublishers adds publishers called after each accepted measurement.
func WithPublishers(p ...Publisher) Option {
	return func(a *Acquirer) { a.publishers = append(a.publishers, p...) }
}

// WithBreaker guards store appends with the given circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(a *Acquirer) { a.breaker = cb }
}

// WithRecorder sets where line and append outcomes are recorded.
func WithRecorder(r OutcomeRecorder) Option {
	return func(a *Acquirer) { a.recorder = r }
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(a *Acquirer) { a.now = now }
}

// WithStateChange registers a callback invoked on every link state transition.
func WithStateChange(fn func(from, to State)) Option {
	return func(a *Acquirer) { a.onStateChange = fn }
}

// New creates an Acquirer in the disconnected state.
func New(opener Opener, latest LatestSetter, store Appender, logger *zap.Logger, opts ...Option) *Acquirer {
	a := &Acquirer{
		opener: opener,
		latest: latest,
		store:  store,
		logger: logger,
		cfg:    Config{}.withDefaults(),
		now:    time.Now,
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.breaker == nil {
		a.breaker = circuitbreaker.New(circuitbreaker.Config{Component: "store"})
	}
	if a.recorder == nil {
		a.recorder = nopRecorder{}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// State returns the current link state.
func (a *Acquirer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run reads from the link until ctx is cancelled. It returns nil on cancellation;
// link and storage faults are handled internally and never end the loop.
func (a *Acquirer) Run(ctx context.Context) error {
	framer := newLineFramer(a.cfg.MaxLineLength)
	for {
		if ctx.Err() != nil {
			return nil
		}

		port, err := a.opener.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("serial open failed",
				zap.Error(err),
				zap.Duration("retry_in", a.cfg.ReconnectDelay),
			)
			observability.SerialReconnectsTotal.Inc()
			if !sleep(ctx, a.cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		a.setState(StateConnected)
		framer.reset()
		err = a.readLoop(ctx, port, framer)
		if cerr := port.Close(); cerr != nil {
			a.logger.Debug("serial close failed", zap.Error(cerr))
		}
		a.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("serial link lost",
			zap.Error(err),
			zap.Duration("retry_in", a.cfg.ReconnectDelay),
		)
		observability.SerialReconnectsTotal.Inc()
		if !sleep(ctx, a.cfg.ReconnectDelay) {
			return nil
		}
	}
}

// readLoop reads until the port fails or ctx is cancelled. io.EOF counts as a failure.
func (a *Acquirer) readLoop(ctx context.Context, port Port, framer *lineFramer) error {
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Read(buf)
		if n > 0 {
			lines, overflows := framer.feed(buf[:n])
			for i := 0; i < overflows; i++ {
				a.rejectOverflow()
			}
			for _, line := range lines {
				a.handleLine(ctx, line)
			}
		}
		if err != nil {
			return fmt.Errorf("read serial: %w", err)
		}
		if n == 0 && !sleep(ctx, a.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

func (a *Acquirer) setState(to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	fn := a.onStateChange
	a.mu.Unlock()

	if to == StateConnected {
		observability.SerialConnected.Set(1)
	} else {
		observability.SerialConnected.Set(0)
	}
	if from == to {
		return
	}
	a.logger.Info("serial link state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if fn != nil {
		fn(from, to)
	}
}

// sleep waits for d or ctx cancellation; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordAccepted()   {}
func (nopRecorder) RecordRejected()   {}
func (nopRecorder) RecordStored()     {}
func (nopRecorder) RecordStoreError() {}

var (
	errLineTooLong     = errors.New("line too long")
	errInvalidEncoding = errors.New("invalid encoding")
)
