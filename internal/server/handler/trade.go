package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// TradeHandler serves copy trade query endpoints.
type TradeHandler struct {
	trades domain.TradeStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// listTradesResponse wraps the list trades response.
type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// ListTrades returns a user's copy trades, or all trades for one signal.
// GET /api/trades?user_id=1 or ?signal_id=...
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	var (
		trades []domain.Trade
		err    error
	)
	if signalID := r.URL.Query().Get("signal_id"); signalID != "" {
		trades, err = h.trades.ListBySignal(r.Context(), signalID)
	} else {
		var userID int64
		userID, err = strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_id or signal_id query parameter required")
			return
		}
		trades, err = h.trades.ListByUser(r.Context(), userID, parseListOpts(r))
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// GetTrade returns one trade by ID.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "trade id required")
		return
	}

	trade, err := h.trades.GetByID(r.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}
	writeJSON(w, http.StatusOK, trade)
}
