package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/acquirer"
	"github.com/kjstillabower/co2-monitor/internal/cache"
	"github.com/kjstillabower/co2-monitor/internal/latest"
	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/service"
	"github.com/kjstillabower/co2-monitor/internal/store"
)

// linePort serves a fixed payload once, then idles.
type linePort struct {
	mu      sync.Mutex
	payload string
}

func (p *linePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.payload)
	p.payload = p.payload[n:]
	return n, nil
}

func (p *linePort) Close() error { return nil }

type lineOpener struct{ port *linePort }

func (o lineOpener) Open(ctx context.Context) (acquirer.Port, error) { return o.port, nil }

type pipeline struct {
	router http.Handler
	store  *store.Store
	cache  *latest.Cache
}

// setupPipeline wires acquirer, store, latest cache, query service and router the
// way serve does, with the serial link replaced by payload.
func setupPipeline(t *testing.T, payload string, clock func() time.Time) *pipeline {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "co2.db"), store.WithClock(clock))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	lc := latest.New()
	acq := acquirer.New(lineOpener{port: &linePort{payload: payload}}, lc, st, zap.NewNop(),
		acquirer.WithConfig(acquirer.Config{PollInterval: time.Millisecond, ReconnectDelay: time.Millisecond}),
		acquirer.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = acq.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	svc := service.NewQueryService(lc, st, cache.NewInMemoryCache(), service.Options{HistoryTTL: time.Millisecond, CoalesceTimeout: time.Second})
	h := NewHandler(svc, QueryConfig{DefaultHours: 24, MaxHours: 168, Location: time.UTC}, &HealthConfig{
		LinkConnected: func() bool { return acq.State() == acquirer.StateConnected },
		StorePing:     st.Ping,
	}, zap.NewNop())
	return &pipeline{router: NewRouter(h, zap.NewNop(), RouterConfig{}), store: st, cache: lc}
}

func (p *pipeline) waitForRows(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := p.store.Count(context.Background()); err == nil && c >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("store did not reach %d rows", n)
}

func (p *pipeline) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
	return w
}

// TestIntegration_SerialToAPI verifies that lines read from the link are visible
// through /api/latest, /api/history and /api/range, and that rejected lines are not.
func TestIntegration_SerialToAPI(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	payload := strings.Join([]string{
		"SCD30 ready",
		"Time: 1s | CO2: 500 ppm | Temp: 20.0C | Humidity: 30.0%",
		"Time: 2s | CO2: bad ppm | Temp: 20.0C | Humidity: 30.0%",
		"Time: 3s | CO2: 520 ppm | Temp: 20.5C | Humidity: 31.0%",
		"Time: 4s | CO2: 540 ppm | Temp: 21.0C | Humidity: 32.0%",
	}, "\r\n") + "\r\n"
	p := setupPipeline(t, payload, clock)
	p.waitForRows(t, 3)

	w := p.get(t, "/api/latest")
	var latestBody models.LatestReading
	if err := json.NewDecoder(w.Body).Decode(&latestBody); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if latestBody.CO2 != 540 || latestBody.Timestamp == nil {
		t.Errorf("latest = %+v, want CO2 540", latestBody)
	}

	w = p.get(t, "/api/history?hours=1")
	var history models.Series
	if err := json.NewDecoder(w.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if got := history.CO2; len(got) != 3 || got[0] != 500 || got[1] != 520 || got[2] != 540 {
		t.Errorf("history co2 = %v, want [500 520 540]", got)
	}

	first, third := history.Timestamps[0], history.Timestamps[2]
	w = p.get(t, "/api/range?start="+first.Format(time.RFC3339Nano)+"&end="+third.Format(time.RFC3339Nano))
	var rng models.Series
	if err := json.NewDecoder(w.Body).Decode(&rng); err != nil {
		t.Fatalf("decode range: %v", err)
	}
	if rng.Len() != 3 {
		t.Errorf("inclusive range len = %d, want 3", rng.Len())
	}

	w = p.get(t, "/api/range?start="+third.Format(time.RFC3339Nano)+"&end="+third.Format(time.RFC3339Nano))
	rng = models.Series{}
	_ = json.NewDecoder(w.Body).Decode(&rng)
	if rng.Len() != 1 || rng.CO2[0] != 540 {
		t.Errorf("point range = %+v, want the CO2=540 row", rng)
	}

	if w := p.get(t, "/health"); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
	if w := p.get(t, "/metrics"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "serialLinesTotal") {
		t.Errorf("/metrics status = %d or missing serialLinesTotal", w.Code)
	}
}

// TestIntegration_StoreClosed verifies that a storage fault surfaces as 503 while
// /api/latest keeps answering from memory.
func TestIntegration_StoreClosed(t *testing.T) {
	p := setupPipeline(t, "Time: 1s | CO2: 610 ppm | Temp: 20.0C | Humidity: 30.0%\n", time.Now)
	p.waitForRows(t, 1)
	_ = p.store.Close()

	if w := p.get(t, "/api/range?start=2024-01-01&end=2024-01-02"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("range status = %d, want 503", w.Code)
	}
	if w := p.get(t, "/api/latest"); w.Code != http.StatusOK {
		t.Errorf("latest status = %d, want 200", w.Code)
	}
	if w := p.get(t, "/health"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503 with store closed", w.Code)
	}
}
