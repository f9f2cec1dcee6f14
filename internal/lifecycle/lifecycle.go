package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Step is one named stage of an orderly shutdown.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Sequence runs shutdown steps in registration order.
type Sequence struct {
	logger *zap.Logger
	steps  []Step
}

// NewSequence returns an empty shutdown sequence logging to logger.
func NewSequence(logger *zap.Logger) *Sequence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequence{logger: logger}
}

// Add appends a step. Nil functions are ignored so optional components can be registered unconditionally.
func (s *Sequence) Add(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.steps = append(s.steps, Step{Name: name, Fn: fn})
}

// Steps returns the registered step names in run order.
func (s *Sequence) Steps() []string {
	names := make([]string, len(s.steps))
	for i, st := range s.steps {
		names[i] = st.Name
	}
	return names
}

// Run sets the shutdown flag and executes every step, continuing past failures.
// The returned error joins all step errors.
func (s *Sequence) Run(ctx context.Context) error {
	SetShuttingDown(true)
	var errs []error
	for _, st := range s.steps {
		start := time.Now()
		err := st.Fn(ctx)
		if err != nil {
			s.logger.Error("shutdown step failed", zap.String("step", st.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
			continue
		}
		s.logger.Info("shutdown step complete", zap.String("step", st.Name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
