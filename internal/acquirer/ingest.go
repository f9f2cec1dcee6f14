package acquirer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/circuitbreaker"
	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/observability"
	"github.com/kjstillabower/co2-monitor/internal/protocol"
)

// handleLine parses one framed line and, if accepted, delivers it to every sink.
func (a *Acquirer) handleLine(ctx context.Context, raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	if !utf8.Valid(raw) {
		a.reject(&protocol.RejectionError{
			Segment: protocol.SegmentLine,
			Reason:  "invalid utf-8",
			Err:     errInvalidEncoding,
		}, "")
		return
	}
	line := string(raw)

	reading, err := protocol.Parse(line)
	if err != nil {
		a.reject(err, line)
		return
	}

	m := reading.At(a.now().UTC())
	a.recorder.RecordAccepted()
	observability.SerialLinesTotal.WithLabelValues("accepted").Inc()
	observability.LatestReading.WithLabelValues("co2").Set(float64(m.CO2))
	observability.LatestReading.WithLabelValues("temperature").Set(m.Temperature)
	observability.LatestReading.WithLabelValues("humidity").Set(m.Humidity)

	a.latest.Set(m)
	a.persist(ctx, m)
	a.publish(ctx, m)
}

func (a *Acquirer) reject(err error, line string) {
	segment, reason := protocol.SegmentLine, err.Error()
	var rej *protocol.RejectionError
	if errors.As(err, &rej) {
		segment, reason = rej.Segment, rej.Reason
	}
	// Banners and partial writes are expected around resets; keep them out of the reject counts.
	if errors.Is(err, protocol.ErrNoise) {
		observability.SerialLinesTotal.WithLabelValues("noise").Inc()
		a.logger.Debug("ignoring non-measurement line", zap.String("line", line))
		return
	}
	a.recorder.RecordRejected()
	observability.SerialLinesTotal.WithLabelValues("rejected").Inc()
	observability.SerialRejectsBySegmentTotal.WithLabelValues(segment).Inc()
	a.logger.Warn("rejected serial line",
		zap.String("segment", segment),
		zap.String("reason", reason),
		zap.String("line", line),
		zap.Error(err),
	)
}

func (a *Acquirer) rejectOverflow() {
	a.reject(&protocol.RejectionError{
		Segment: protocol.SegmentLine,
		Reason:  "exceeds maximum line length",
		Err:     errLineTooLong,
	}, "")
}

// persist appends m with bounded retries through the circuit breaker. A sample that
// still fails is logged and dropped; acquisition continues.
func (a *Acquirer) persist(ctx context.Context, m models.Measurement) {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= a.cfg.AppendAttempts; attempt++ {
		if attempt > 1 {
			observability.StoreAppendRetriesTotal.Inc()
			if !sleep(ctx, a.calculateBackoff(attempt-1)) {
				lastErr = ctx.Err()
				break
			}
		}

		lastErr = a.breaker.Call(ctx, func(ctx context.Context) error {
			_, err := a.store.Append(ctx, m)
			return err
		})
		if lastErr == nil {
			observability.StoreAppendDuration.Observe(time.Since(start).Seconds())
			observability.StoreAppendsTotal.WithLabelValues("success").Inc()
			a.recorder.RecordStored()
			return
		}
		if errors.Is(lastErr, circuitbreaker.ErrOpen) || ctx.Err() != nil {
			break
		}
	}

	status := "dropped"
	if errors.Is(lastErr, circuitbreaker.ErrOpen) {
		status = "breaker_open"
	}
	observability.StoreAppendsTotal.WithLabelValues(status).Inc()
	a.recorder.RecordStoreError()
	a.logger.Error("dropping measurement after store failure",
		zap.Int("co2", m.CO2),
		zap.Float64("temperature", m.Temperature),
		zap.Float64("humidity", m.Humidity),
		zap.Time("timestamp", m.Timestamp),
		zap.String("status", status),
		zap.Error(lastErr),
	)
}

func (a *Acquirer) calculateBackoff(attempt int) time.Duration {
	delay := float64(a.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(a.cfg.RetryMaxDelay) {
		delay = float64(a.cfg.RetryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (a *Acquirer) publish(ctx context.Context, m models.Measurement) {
	for _, p := range a.publishers {
		if err := p.Publish(ctx, m); err != nil {
			a.logger.Warn("publish failed", zap.Error(err))
		}
	}
}
