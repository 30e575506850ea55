package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/portfolio-optimizer/internal/modules/history"
	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
)

// wsRequestTimeout bounds a single optimization requested over the socket.
const wsRequestTimeout = 60 * time.Second

// WSRequest is one optimization request sent over the websocket.
type WSRequest struct {
	ID        string   `json:"id,omitempty"`
	Tickers   []string `json:"tickers"`
	Rows      []WSRow  `json:"rows"`
	RiskLevel float64  `json:"risk_level"`
	MaxWeight float64  `json:"max_weight"`
}

// WSRow is one dated observation; Returns follows WSRequest.Tickers.
type WSRow struct {
	Date    string    `json:"date,omitempty"`
	Returns []float64 `json:"returns"`
}

// WSResponse answers one WSRequest.
type WSResponse struct {
	ID               string             `json:"id,omitempty"`
	OptimalPortfolio map[string]float64 `json:"optimal_portfolio,omitempty"`
	ExpectedReturn   float64            `json:"expected_return,omitempty"`
	Volatility       float64            `json:"volatility,omitempty"`
	RunID            string             `json:"run_id,omitempty"`
	Status           int                `json:"status"`
	Error            string             `json:"error,omitempty"`
}

// HandleWebSocket handles GET /api/optimizer/ws. Each JSON request message
// gets exactly one JSON response message.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS is open for every origin
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	ctx := r.Context()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	for {
		var req WSRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			// wsjson closes the connection itself on malformed JSON
			h.log.Debug().Err(err).Msg("WebSocket read failed")
			return
		}

		resp := h.handleWSRequest(ctx, req)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			h.log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}

func (h *Handler) handleWSRequest(ctx context.Context, req WSRequest) WSResponse {
	resp := WSResponse{ID: req.ID}

	table, err := req.table()
	if err == nil && req.RiskLevel <= 0 {
		err = badRequest("risk_level must be positive")
	}
	if err == nil && (req.MaxWeight <= 0 || req.MaxWeight > 1) {
		err = badRequest("max_weight must be between 0 and 1")
	}
	if err == nil && table.NumObservations() < h.minObservations {
		err = badRequest("at least %d rows of data are required, got %d", h.minObservations, table.NumObservations())
	}
	if err != nil {
		resp.Status = statusFor(err)
		resp.Error = err.Error()
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	defer cancel()

	portfolio, runID, err := h.optimize(ctx, history.SourceWebSocket, table, req.RiskLevel, req.MaxWeight)
	resp.RunID = runID
	if err != nil {
		resp.Status = statusFor(err)
		resp.Error = err.Error()
		return resp
	}

	resp.Status = http.StatusOK
	resp.OptimalPortfolio = weightMap(portfolio.Weights.Rounded())
	resp.ExpectedReturn = portfolio.ExpectedReturn
	resp.Volatility = portfolio.Volatility
	return resp
}

// table converts the message rows into a ReturnsTable.
func (req WSRequest) table() (optimization.ReturnsTable, error) {
	rows := make([]optimization.ReturnsRow, len(req.Rows))
	for i, row := range req.Rows {
		if len(row.Returns) != len(req.Tickers) {
			return optimization.ReturnsTable{}, fmt.Errorf("%w: row %d has %d returns for %d tickers",
				optimization.ErrInconsistentUniverse, i, len(row.Returns), len(req.Tickers))
		}
		var date time.Time
		if row.Date != "" {
			d, err := time.Parse("2006-01-02", row.Date)
			if err != nil {
				return optimization.ReturnsTable{}, fmt.Errorf("%w: row %d: unparseable date %q",
					optimization.ErrInconsistentUniverse, i, row.Date)
			}
			date = d
		}
		values := make(map[string]float64, len(req.Tickers))
		for j, ticker := range req.Tickers {
			values[ticker] = row.Returns[j]
		}
		rows[i] = optimization.ReturnsRow{Date: date, Values: values}
	}
	if len(req.Tickers) == 0 {
		return optimization.ReturnsTable{}, fmt.Errorf("%w: no tickers", optimization.ErrInsufficientData)
	}
	return optimization.NewReturnsTable(req.Tickers, rows), nil
}
