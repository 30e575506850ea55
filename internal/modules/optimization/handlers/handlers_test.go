package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/portfolio-optimizer/internal/modules/history"
	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
	"github.com/aristath/portfolio-optimizer/internal/workers"
)

// memoryRunStore keeps runs in memory for handler tests
type memoryRunStore struct {
	mu   sync.Mutex
	runs []*history.Run
}

func (m *memoryRunStore) Record(ctx context.Context, run *history.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRunStore) Get(ctx context.Context, id string) (*history.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", history.ErrRunNotFound, id)
}

func (m *memoryRunStore) List(ctx context.Context, limit int) ([]*history.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.runs) {
		limit = len(m.runs)
	}
	return append([]*history.Run(nil), m.runs[:limit]...), nil
}

// threeAssetCSV returns 8 rows of three uncorrelated assets with means
// (0.002, 0.0005, 0.0005) and standard deviations (0.03, 0.01, 0.01).
func threeAssetCSV() string {
	patterns := [3][4]float64{
		{1, 1, -1, -1},
		{1, -1, 1, -1},
		{1, -1, -1, 1},
	}
	means := [3]float64{0.002, 0.0005, 0.0005}
	stdevs := [3]float64{0.03, 0.01, 0.01}
	scale := math.Sqrt(7.0 / 8.0)

	var b strings.Builder
	b.WriteString("date,A,B,C\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		b.WriteString(start.AddDate(0, 0, i).Format("2006-01-02"))
		for j := 0; j < 3; j++ {
			v := means[j] + stdevs[j]*scale*patterns[j][i%4]
			b.WriteString(",")
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func newTestRouter(t *testing.T, runs RunStore, minObservations int) (*chi.Mux, *Handler) {
	t.Helper()
	svc, err := optimization.NewOptimizerService(optimization.DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)

	handler := NewHandler(svc, workers.NewPool(2), runs, minObservations, zerolog.Nop())

	router := chi.NewRouter()
	handler.RegisterLegacyRoutes(router)
	router.Route("/api", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	return router, handler
}

func newUploadRequest(t *testing.T, path, csv string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if csv != "" {
		part, err := mw.CreateFormFile("file", "returns.csv")
		require.NoError(t, err)
		_, err = part.Write([]byte(csv))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["detail"]
}

func TestHandleOptimize_LooseRisk(t *testing.T) {
	store := &memoryRunStore{}
	router, _ := newTestRouter(t, store, 8)

	req := newUploadRequest(t, "/api/optimizer/optimize", threeAssetCSV(), map[string]string{
		"risk_level": "0.3",
		"max_weight": "1",
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp OptimizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]float64{"A": 1}, resp.OptimalPortfolio, "zero weights are omitted")
	assert.Equal(t, optimization.MethodDual, resp.Method)
	assert.InDelta(t, 0.002, resp.ExpectedReturn, 1e-9)

	require.Len(t, store.runs, 1)
	assert.Equal(t, store.runs[0].ID, resp.RunID)
	assert.Equal(t, history.StatusSucceeded, store.runs[0].Status)
	assert.Equal(t, history.SourceHTTP, store.runs[0].Source)
}

func TestHandleOptimize_TightRiskLegacyRoute(t *testing.T) {
	router, _ := newTestRouter(t, nil, 8)

	req := newUploadRequest(t, "/optimize-portfolio", threeAssetCSV(), map[string]string{
		"risk_level": "0.007",
		"max_weight": "1",
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp OptimizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 0.0941, resp.OptimalPortfolio["A"], 1e-3)
	assert.InDelta(t, 0.4530, resp.OptimalPortfolio["B"], 1e-3)
	assert.Equal(t, resp.OptimalPortfolio["B"], resp.OptimalPortfolio["C"])
	assert.Empty(t, resp.RunID, "no run id without history")

	// four decimals at most
	for ticker, w := range resp.OptimalPortfolio {
		assert.InDelta(t, math.Round(w*1e4)/1e4, w, 1e-12, ticker)
	}
}

func TestHandleOptimize_Validation(t *testing.T) {
	router, _ := newTestRouter(t, nil, 30)

	tests := []struct {
		name   string
		csv    string
		fields map[string]string
		detail string
	}{
		{"non-positive risk", threeAssetCSV(), map[string]string{"risk_level": "0", "max_weight": "0.5"}, "risk_level must be positive"},
		{"max weight above one", threeAssetCSV(), map[string]string{"risk_level": "0.1", "max_weight": "1.5"}, "max_weight must be between 0 and 1"},
		{"non-numeric risk", threeAssetCSV(), map[string]string{"risk_level": "high", "max_weight": "0.5"}, "must be a number"},
		{"missing max weight", threeAssetCSV(), map[string]string{"risk_level": "0.1"}, "missing form field"},
		{"missing file", "", map[string]string{"risk_level": "0.1", "max_weight": "0.5"}, "missing CSV file"},
		{"too few rows", threeAssetCSV(), map[string]string{"risk_level": "0.1", "max_weight": "0.5"}, "at least 30 rows"},
		{"non-numeric cell", "date,A\n2024-01-01,x\n2024-01-02,0.1\n", map[string]string{"risk_level": "0.1", "max_weight": "1"}, "non-numeric value"},
		{"bad input type", threeAssetCSV(), map[string]string{"risk_level": "0.1", "max_weight": "1", "input_type": "volumes"}, "input_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, newUploadRequest(t, "/optimize-portfolio", tt.csv, tt.fields))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeDetail(t, rec), tt.detail)
		})
	}
}

func TestHandleOptimize_InfeasibleCap(t *testing.T) {
	store := &memoryRunStore{}
	router, _ := newTestRouter(t, store, 8)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newUploadRequest(t, "/api/optimizer/optimize", threeAssetCSV(), map[string]string{
		"risk_level": "0.1",
		"max_weight": "0.3",
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "infeasible constraints")
	require.Len(t, store.runs, 1)
	assert.Equal(t, history.StatusFailed, store.runs[0].Status)
}

func TestHandleOptimize_CSVResponse(t *testing.T) {
	router, _ := newTestRouter(t, nil, 8)

	req := newUploadRequest(t, "/api/optimizer/optimize", threeAssetCSV(), map[string]string{
		"risk_level": "0.3",
		"max_weight": "0.34",
	})
	req.Header.Set("Accept", "text/csv")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ticker,weight", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "A,"), lines[1])

	total := 0.0
	for _, line := range lines[1:] {
		parts := strings.Split(line, ",")
		require.Len(t, parts, 2)
		w, err := strconv.ParseFloat(parts[1], 64)
		require.NoError(t, err)
		assert.LessOrEqual(t, w, 0.34)
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestHandleOptimize_MsgpackResponse(t *testing.T) {
	router, _ := newTestRouter(t, nil, 8)

	req := newUploadRequest(t, "/api/optimizer/optimize", threeAssetCSV(), map[string]string{
		"risk_level": "0.3",
		"max_weight": "1",
	})
	req.Header.Set("Accept", "application/msgpack")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get("Content-Type"))

	var resp OptimizeResponse
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]float64{"A": 1}, resp.OptimalPortfolio)
}

func TestHandleOptimize_PricesInput(t *testing.T) {
	router, _ := newTestRouter(t, nil, 2)

	prices := "date,X,Y\n2024-01-01,100,50\n2024-01-02,110,50\n2024-01-03,99,55\n"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newUploadRequest(t, "/api/optimizer/optimize", prices, map[string]string{
		"risk_level": "1",
		"max_weight": "1",
		"input_type": "prices",
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp OptimizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// Y returns (0, 0.1) beat X returns (0.1, -0.1)
	assert.Equal(t, map[string]float64{"Y": 1}, resp.OptimalPortfolio)
}

func TestHandleFrontier(t *testing.T) {
	store := &memoryRunStore{}
	router, _ := newTestRouter(t, store, 8)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newUploadRequest(t, "/api/optimizer/frontier", threeAssetCSV(), map[string]string{
		"risk_levels": "0.005, 0.007,0.3",
		"max_weight":  "1",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp FrontierResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Points, 3)

	assert.Equal(t, 0.005, resp.Points[0].RiskLevel)
	assert.Contains(t, resp.Points[0].Error, "infeasible constraints")
	assert.Empty(t, resp.Points[0].OptimalPortfolio)

	assert.Equal(t, 0.007, resp.Points[1].RiskLevel)
	assert.InDelta(t, 0.0941, resp.Points[1].OptimalPortfolio["A"], 1e-3)

	assert.Equal(t, 0.3, resp.Points[2].RiskLevel)
	assert.Equal(t, map[string]float64{"A": 1}, resp.Points[2].OptimalPortfolio)
	assert.Greater(t, resp.Points[2].ExpectedReturn, resp.Points[1].ExpectedReturn)

	assert.Len(t, store.runs, 3)
}

func TestHandleFrontier_InvalidLevels(t *testing.T) {
	router, _ := newTestRouter(t, nil, 8)

	for _, levels := range []string{"", "0.1,abc", "0.1,-0.2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newUploadRequest(t, "/api/optimizer/frontier", threeAssetCSV(), map[string]string{
			"risk_levels": levels,
			"max_weight":  "1",
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "levels %q", levels)
	}
}

func TestHandleRuns(t *testing.T) {
	store := &memoryRunStore{}
	router, _ := newTestRouter(t, store, 8)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newUploadRequest(t, "/api/optimizer/optimize", threeAssetCSV(), map[string]string{
		"risk_level": "0.3",
		"max_weight": "1",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	var created OptimizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optimizer/runs?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data     []history.Run          `json:"data"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, created.RunID, list.Data[0].ID)
	assert.Contains(t, list.Metadata, "timestamp")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optimizer/runs/"+created.RunID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optimizer/runs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optimizer/runs?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRuns_HistoryDisabled(t *testing.T) {
	router, _ := newTestRouter(t, nil, 8)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optimizer/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(optimization.ErrInfeasibleConstraints))
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("wrapped: %w", optimization.ErrOptimizationDidNotConverge)))
	assert.Equal(t, http.StatusNotFound, statusFor(&apiError{status: http.StatusNotFound, detail: "x"}))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("disk on fire")))
}
