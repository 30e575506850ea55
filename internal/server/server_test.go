package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/portfolio-optimizer/internal/database"
	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
	optimizationhandlers "github.com/aristath/portfolio-optimizer/internal/modules/optimization/handlers"
	"github.com/aristath/portfolio-optimizer/internal/scheduler"
	"github.com/aristath/portfolio-optimizer/internal/workers"
)

func newTestServer(t *testing.T, historyDB *database.DB) *Server {
	t.Helper()
	svc, err := optimization.NewOptimizerService(optimization.DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)

	pool := workers.NewPool(2)
	return New(Config{
		Log:          zerolog.Nop(),
		Port:         0,
		DevMode:      true,
		HistoryDB:    historyDB,
		Optimization: optimizationhandlers.NewHandler(svc, pool, nil, 30, zerolog.Nop()),
		Pool:         pool,
		Scheduler:    scheduler.New(zerolog.Nop()),
	})
}

func newMemoryDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory",
		Profile: database.ProfileMemory,
		Name:    "history",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func serve(s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestServer_Root(t *testing.T) {
	s := newTestServer(t, nil)

	rec := serve(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "portfolio optimization")
}

func TestServer_Health(t *testing.T) {
	t.Run("history disabled", func(t *testing.T) {
		s := newTestServer(t, nil)

		rec := serve(s, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "disabled", body["history"])
	})

	t.Run("history reachable", func(t *testing.T) {
		s := newTestServer(t, newMemoryDB(t))

		rec := serve(s, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["history"])
	})

	t.Run("history closed", func(t *testing.T) {
		db := newMemoryDB(t)
		require.NoError(t, db.Close())
		s := newTestServer(t, db)

		rec := serve(s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestServer_SystemStatus(t *testing.T) {
	s := newTestServer(t, newMemoryDB(t))

	rec := serve(s, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Positive(t, body.Goroutines)
	assert.True(t, body.HistoryEnabled)
	require.NotNil(t, body.Pool)
	assert.Equal(t, int64(2), body.Pool.Size)
	assert.Empty(t, body.ScheduledJobs)
}

func TestServer_OptimizerRoutesMounted(t *testing.T) {
	s := newTestServer(t, nil)

	// GET on a POST-only route proves the route exists
	for _, path := range []string{"/optimize-portfolio", "/api/optimizer/optimize", "/api/optimizer/frontier"} {
		rec := serve(s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}

	rec := serve(s, http.MethodGet, "/api/optimizer/runs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "history disabled")

	rec = serve(s, http.MethodGet, "/api/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	rec := serve(s, http.MethodOptions, "/api/optimizer/optimize", http.Header{
		"Origin":                        []string{"http://example.com"},
		"Access-Control-Request-Method": []string{"POST"},
	})
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestSkipUpgrades(t *testing.T) {
	var wrappedCalls int
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrappedCalls++
			next.ServeHTTP(w, r)
		})
	}
	h := skipUpgrades(mw)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/optimizer/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Zero(t, wrappedCalls)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 1, wrappedCalls)
}

func TestStatusMonitor_KeepsLatestSample(t *testing.T) {
	m := NewStatusMonitor(zerolog.Nop())
	calls := 0
	m.sample = func() (HostStats, error) {
		calls++
		if calls > 1 {
			return HostStats{}, errors.New("sensor unavailable")
		}
		return HostStats{CPUPercent: 12.5, MemoryPercent: 40, SampledAt: time.Now()}, nil
	}

	_, ok := m.Latest()
	assert.False(t, ok)

	m.refresh()
	m.refresh()

	stats, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 12.5, stats.CPUPercent, "a failed sample keeps the previous one")
	assert.Equal(t, 40.0, stats.MemoryPercent)
}

func TestStatusMonitor_StartStop(t *testing.T) {
	m := NewStatusMonitor(zerolog.Nop())
	sampled := make(chan struct{}, 1)
	m.sample = func() (HostStats, error) {
		select {
		case sampled <- struct{}{}:
		default:
		}
		return HostStats{SampledAt: time.Now()}, nil
	}

	m.Start(time.Hour)
	select {
	case <-sampled:
	case <-time.After(time.Second):
		t.Fatal("monitor did not take its initial sample")
	}
	m.Stop()
	m.Stop()
}

func TestStatusMonitor_StopWithoutStart(t *testing.T) {
	m := NewStatusMonitor(zerolog.Nop())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a monitor that never started")
	}
}
