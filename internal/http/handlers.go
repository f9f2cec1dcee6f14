package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/observability"
	"github.com/kjstillabower/co2-monitor/internal/validation"
)

// Queries is the read-side contract served over HTTP.
type Queries interface {
	GetLatest() models.LatestReading
	GetHistory(ctx context.Context, hours int) (models.Series, error)
	GetRange(ctx context.Context, start, end time.Time) (models.Series, error)
}

// QueryConfig bounds the history window and sets the zone for naive range bounds.
type QueryConfig struct {
	DefaultHours int
	MaxHours     int
	Location     *time.Location
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	queries          Queries
	queryConfig      QueryConfig
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil, in which case health
// reports only the shutdown flag.
func NewHandler(queries Queries, queryConfig QueryConfig, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if queryConfig.DefaultHours <= 0 {
		queryConfig.DefaultHours = 24
	}
	if queryConfig.Location == nil {
		queryConfig.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queries:      queries,
		queryConfig:  queryConfig,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetLatest handles GET /api/latest.
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queries.GetLatest())
}

// GetHistory handles GET /api/history?hours=N.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	hours := validation.ParseHours(r.URL.Query().Get("hours"), h.queryConfig.DefaultHours, h.queryConfig.MaxHours)
	series, err := h.queries.GetHistory(r.Context(), hours)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// GetRange handles GET /api/range?start=...&end=...
func (h *Handler) GetRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := validation.ParseDateTime(q.Get("start"), h.queryConfig.Location)
	if err != nil {
		writeInvalidDate(w, r, "start", err)
		return
	}
	end, err := validation.ParseDateTime(q.Get("end"), h.queryConfig.Location)
	if err != nil {
		writeInvalidDate(w, r, "end", err)
		return
	}
	series, err := h.queries.GetRange(r.Context(), start, end)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationIDFromContext(r.Context()),
		},
	})
}

func writeInvalidDate(w http.ResponseWriter, r *http.Request, param string, err error) {
	writeError(w, r, http.StatusBadRequest, "INVALID_DATE_FORMAT", "Invalid date format")
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		logger.Debug("invalid range bound", zap.String("param", param), zap.Error(err))
	}
}

// writeServiceError writes a 503 for storage faults and query timeouts. The
// underlying error is logged at WARN.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	message := "Unable to read measurements"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "Query timed out"
	}
	writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", message)
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		logger.Warn("query failed", zap.Error(err))
	}
}
