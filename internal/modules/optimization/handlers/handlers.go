// Package handlers provides HTTP handlers for portfolio optimization.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/portfolio-optimizer/internal/modules/history"
	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
	"github.com/aristath/portfolio-optimizer/internal/tabular"
	"github.com/aristath/portfolio-optimizer/internal/workers"
)

const maxUploadBytes = 32 << 20

// Optimizer runs one optimization request.
type Optimizer interface {
	Optimize(ctx context.Context, table optimization.ReturnsTable, riskLevel, maxWeight float64) (*optimization.Portfolio, error)
	Method() string
}

// RunStore records and serves run history.
type RunStore interface {
	Record(ctx context.Context, run *history.Run) error
	Get(ctx context.Context, id string) (*history.Run, error)
	List(ctx context.Context, limit int) ([]*history.Run, error)
}

// Handler handles optimization HTTP requests
type Handler struct {
	optimizer       Optimizer
	pool            *workers.Pool
	runs            RunStore
	minObservations int
	log             zerolog.Logger
}

// NewHandler creates a new optimization handler. runs may be nil when history
// is disabled.
func NewHandler(
	optimizer Optimizer,
	pool *workers.Pool,
	runs RunStore,
	minObservations int,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		optimizer:       optimizer,
		pool:            pool,
		runs:            runs,
		minObservations: minObservations,
		log:             log.With().Str("handler", "optimization").Logger(),
	}
}

// OptimizeResponse is the result of a single optimization.
type OptimizeResponse struct {
	OptimalPortfolio map[string]float64 `json:"optimal_portfolio" msgpack:"optimal_portfolio"`
	RunID            string             `json:"run_id" msgpack:"run_id"`
	ExpectedReturn   float64            `json:"expected_return" msgpack:"expected_return"`
	Volatility       float64            `json:"volatility" msgpack:"volatility"`
	Method           string             `json:"method" msgpack:"method"`
	Regularized      bool               `json:"regularized" msgpack:"regularized"`
}

// FrontierPoint is one risk level of a frontier sweep.
type FrontierPoint struct {
	RiskLevel        float64            `json:"risk_level" msgpack:"risk_level"`
	OptimalPortfolio map[string]float64 `json:"optimal_portfolio,omitempty" msgpack:"optimal_portfolio,omitempty"`
	ExpectedReturn   float64            `json:"expected_return" msgpack:"expected_return"`
	Volatility       float64            `json:"volatility" msgpack:"volatility"`
	RunID            string             `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	Error            string             `json:"error,omitempty" msgpack:"error,omitempty"`
}

// FrontierResponse lists one point per requested risk level, in request order.
type FrontierResponse struct {
	Points []FrontierPoint `json:"points" msgpack:"points"`
}

// apiError carries an HTTP status for request-level failures.
type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string { return e.detail }

func badRequest(format string, args ...interface{}) error {
	return &apiError{status: http.StatusBadRequest, detail: fmt.Sprintf(format, args...)}
}

// uploadRequest is the parsed multipart form shared by the upload endpoints.
type uploadRequest struct {
	table     optimization.ReturnsTable
	riskLevel float64
	maxWeight float64
}

// HandleOptimize handles POST /optimize-portfolio and POST /api/optimizer/optimize
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseUpload(r, "risk_level")
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.Info().
		Int("assets", req.table.NumAssets()).
		Int("observations", req.table.NumObservations()).
		Msg("Optimizing portfolio")

	portfolio, runID, err := h.optimize(r.Context(), history.SourceHTTP, req.table, req.riskLevel, req.maxWeight)
	if err != nil {
		h.writeError(w, err)
		return
	}

	weights := portfolio.Weights.Rounded()
	h.checkRoundedSum(weights)

	if acceptsCSV(r) {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		if err := tabular.WriteWeightsCSV(w, weights); err != nil {
			h.log.Error().Err(err).Msg("Failed to encode CSV response")
		}
		return
	}

	h.writeResponse(w, r, http.StatusOK, OptimizeResponse{
		OptimalPortfolio: weightMap(weights),
		RunID:            runID,
		ExpectedReturn:   portfolio.ExpectedReturn,
		Volatility:       portfolio.Volatility,
		Method:           portfolio.Method,
		Regularized:      portfolio.Regularized(),
	})
}

// HandleFrontier handles POST /api/optimizer/frontier
func (h *Handler) HandleFrontier(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseUpload(r, "")
	if err != nil {
		h.writeError(w, err)
		return
	}

	levels, err := parseRiskLevels(r.FormValue("risk_levels"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	points := make([]FrontierPoint, len(levels))
	err = h.pool.Map(r.Context(), len(levels), func(ctx context.Context, i int) error {
		point := FrontierPoint{RiskLevel: levels[i]}
		portfolio, runID, err := h.optimizeNow(ctx, history.SourceFrontier, req.table, levels[i], req.maxWeight)
		point.RunID = runID
		switch {
		case err == nil:
			point.OptimalPortfolio = weightMap(portfolio.Weights.Rounded())
			point.ExpectedReturn = portfolio.ExpectedReturn
			point.Volatility = portfolio.Volatility
		case isDomainError(err):
			point.Error = err.Error()
		default:
			return err
		}
		points[i] = point
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeResponse(w, r, http.StatusOK, FrontierResponse{Points: points})
}

// HandleListRuns handles GET /api/optimizer/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, &apiError{status: http.StatusServiceUnavailable, detail: "run history is disabled"})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			h.writeError(w, badRequest("limit must be an integer between 1 and 1000"))
			return
		}
		limit = n
	}

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": runs,
		"metadata": map[string]interface{}{
			"count":     len(runs),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetRun handles GET /api/optimizer/runs/{id}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request, id string) {
	if h.runs == nil {
		h.writeError(w, &apiError{status: http.StatusServiceUnavailable, detail: "run history is disabled"})
		return
	}

	run, err := h.runs.Get(r.Context(), id)
	if errors.Is(err, history.ErrRunNotFound) {
		h.writeError(w, &apiError{status: http.StatusNotFound, detail: fmt.Sprintf("run %s not found", id)})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("run_id", id).Msg("Failed to get run")
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// optimize runs one request through the worker pool.
func (h *Handler) optimize(ctx context.Context, source string, table optimization.ReturnsTable, riskLevel, maxWeight float64) (*optimization.Portfolio, string, error) {
	var (
		portfolio *optimization.Portfolio
		runID     string
	)
	err := h.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		portfolio, runID, err = h.optimizeNow(ctx, source, table, riskLevel, maxWeight)
		return err
	})
	return portfolio, runID, err
}

// optimizeNow runs one request on the calling goroutine and records it.
func (h *Handler) optimizeNow(ctx context.Context, source string, table optimization.ReturnsTable, riskLevel, maxWeight float64) (*optimization.Portfolio, string, error) {
	run := history.NewRun(source, table, riskLevel, maxWeight, h.optimizer.Method())
	portfolio, err := h.optimizer.Optimize(ctx, table, riskLevel, maxWeight)
	run.Complete(portfolio, err)

	if h.runs == nil {
		return portfolio, "", err
	}
	if recErr := h.runs.Record(ctx, run); recErr != nil {
		h.log.Warn().Err(recErr).Str("run_id", run.ID).Msg("Failed to record run")
		return portfolio, "", err
	}
	return portfolio, run.ID, err
}

// parseUpload reads the multipart form: file, max_weight, optional
// input_type, and the named risk field when riskField is not empty.
func (h *Handler) parseUpload(r *http.Request, riskField string) (*uploadRequest, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, badRequest("expected a multipart form with a CSV file: %v", err)
	}

	req := &uploadRequest{}
	if riskField != "" {
		v, err := parseFormFloat(r, riskField)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, badRequest("risk_level must be positive")
		}
		req.riskLevel = v
	}

	maxWeight, err := parseFormFloat(r, "max_weight")
	if err != nil {
		return nil, err
	}
	if maxWeight <= 0 || maxWeight > 1 {
		return nil, badRequest("max_weight must be between 0 and 1")
	}
	req.maxWeight = maxWeight

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, badRequest("missing CSV file field \"file\"")
	}
	defer file.Close()

	table, err := tabular.ParseCSV(file)
	if err != nil {
		return nil, err
	}

	switch inputType := r.FormValue("input_type"); inputType {
	case "", "returns":
	case "prices":
		table, err = optimization.ReturnsFromPrices(table)
		if err != nil {
			return nil, err
		}
	default:
		return nil, badRequest("input_type must be \"returns\" or \"prices\", got %q", inputType)
	}

	if table.NumObservations() < h.minObservations {
		return nil, badRequest("at least %d rows of data are required, got %d", h.minObservations, table.NumObservations())
	}

	req.table = table
	return req, nil
}

func parseFormFloat(r *http.Request, field string) (float64, error) {
	s := strings.TrimSpace(r.FormValue(field))
	if s == "" {
		return 0, badRequest("missing form field %q", field)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, badRequest("form field %q must be a number, got %q", field, s)
	}
	return v, nil
}

func parseRiskLevels(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, badRequest("missing form field \"risk_levels\"")
	}
	parts := strings.Split(s, ",")
	levels := make([]float64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return nil, badRequest("risk level %q must be a positive number", part)
		}
		levels = append(levels, v)
	}
	return levels, nil
}

func (h *Handler) checkRoundedSum(weights []optimization.AssetWeight) {
	sum := decimal.Zero
	for _, aw := range weights {
		sum = sum.Add(decimal.NewFromFloat(aw.Weight))
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		h.log.Warn().Str("sum", sum.String()).Msg("Sum of reported weights is not close to 1")
	}
}

func weightMap(weights []optimization.AssetWeight) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for _, aw := range weights {
		out[aw.Ticker] = aw.Weight
	}
	return out
}

func isDomainError(err error) bool {
	for _, target := range []error{
		optimization.ErrInsufficientData,
		optimization.ErrInconsistentUniverse,
		optimization.ErrInvalidParameter,
		optimization.ErrInfeasibleConstraints,
		optimization.ErrIllConditionedCovariance,
		optimization.ErrOptimizationDidNotConverge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.status
	case isDomainError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func acceptsCSV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

func acceptsMsgpack(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/msgpack") || strings.Contains(accept, "application/x-msgpack")
}

// writeResponse encodes data as msgpack when the client asks for it, JSON otherwise.
func (h *Handler) writeResponse(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	if !acceptsMsgpack(r) {
		h.writeJSON(w, status, data)
		return
	}
	body, err := msgpack.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode msgpack response")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to encode response"})
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to write msgpack response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Unexpected error")
		detail = "server error: " + detail
	}
	h.writeJSON(w, status, map[string]string{"detail": detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
