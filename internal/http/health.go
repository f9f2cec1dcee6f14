package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/lifecycle"
)

// HealthConfig holds the probes and thresholds for the health handler.
type HealthConfig struct {
	// LinkConnected reports whether the serial link is open.
	LinkConnected func() bool
	// LastReading returns the receipt time of the latest accepted measurement.
	LastReading func() (time.Time, bool)
	// StoreErrorRate returns (failed, total) store appends within the window.
	StoreErrorRate   func(window time.Duration) (errors, total int)
	StoreErrorWindow time.Duration
	StoreErrorPct    int
	// StaleAfter is how long without an accepted reading before status is stale.
	StaleAfter time.Duration
	// StorePing, when set, checks database reachability.
	StorePing func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	StartTime time.Time
	Now       func() time.Time
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "co2-monitor",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if hc := h.healthConfig; hc != nil {
		if hc.LinkConnected != nil {
			checks["serial"] = healthyIf(hc.LinkConnected())
		}
		if hc.StorePing != nil {
			checks["store"] = healthyIf(hc.StorePing(r.Context()) == nil)
		}
		if hc.CachePing != nil {
			checks["cache"] = healthyIf(hc.CachePing() == nil)
		}
		if hc.LastReading != nil {
			if ts, ok := hc.LastReading(); ok {
				resp["lastReading"] = ts.UTC().Format(time.RFC3339)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func healthyIf(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// computeHealthStatus determines the current health status by evaluating conditions
// in priority order: shutting-down > disconnected > stale > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	// Priority 1: Check if service is shutting down
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	hc := h.healthConfig
	if hc == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	now := time.Now()
	if hc.Now != nil {
		now = hc.Now()
	}
	// Priority 2: No device means no data at all
	if hc.LinkConnected != nil && !hc.LinkConnected() {
		return healthResult{"disconnected", http.StatusServiceUnavailable, "serial_link_down"}
	}
	// Priority 3: Connected but silent. Stays 200: queries still work, only freshness suffers.
	if hc.StaleAfter > 0 && hc.LastReading != nil {
		if ts, ok := hc.LastReading(); ok {
			if now.Sub(ts) > hc.StaleAfter {
				return healthResult{"stale", http.StatusOK, "no_recent_reading"}
			}
		} else if !hc.StartTime.IsZero() && now.Sub(hc.StartTime) > hc.StaleAfter {
			return healthResult{"stale", http.StatusOK, "no_reading_since_start"}
		}
	}
	// Priority 4: Store append error share exceeds threshold, or store unreachable
	if hc.StoreErrorRate != nil && hc.StoreErrorWindow > 0 && hc.StoreErrorPct > 0 {
		failed, total := hc.StoreErrorRate(hc.StoreErrorWindow)
		if total > 0 {
			pct := float64(failed) * 100 / float64(total)
			if pct >= float64(hc.StoreErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "store_error_rate_breach"}
			}
		}
	}
	if hc.StorePing != nil {
		if err := hc.StorePing(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}
