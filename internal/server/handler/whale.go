package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/service"
)

// WhaleHandler serves whale tracking and follow endpoints.
type WhaleHandler struct {
	whales *service.WhaleService
	logger *slog.Logger
}

// NewWhaleHandler creates a WhaleHandler.
func NewWhaleHandler(whales *service.WhaleService, logger *slog.Logger) *WhaleHandler {
	return &WhaleHandler{whales: whales, logger: logger}
}

type trackWhaleRequest struct {
	DisplayName            string  `json:"display_name"`
	WhaleType              string  `json:"whale_type"`
	Exchange               string  `json:"exchange,omitempty"`
	ExchangeUID            string  `json:"exchange_uid,omitempty"`
	Chain                  string  `json:"chain,omitempty"`
	Address                string  `json:"address,omitempty"`
	PriorityScore          float64 `json:"priority_score"`
	PollingIntervalSeconds int     `json:"polling_interval_seconds"`
}

// TrackWhale registers a new whale for observation.
// POST /api/whales
func (h *WhaleHandler) TrackWhale(w http.ResponseWriter, r *http.Request) {
	var req trackWhaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	whale, err := h.whales.Track(r.Context(), domain.Whale{
		DisplayName:            req.DisplayName,
		WhaleType:              domain.WhaleType(req.WhaleType),
		Exchange:               domain.Exchange(req.Exchange),
		ExchangeUID:            req.ExchangeUID,
		Chain:                  req.Chain,
		Address:                req.Address,
		PriorityScore:          req.PriorityScore,
		PollingIntervalSeconds: req.PollingIntervalSeconds,
	})
	if err != nil {
		if domain.IsInvalidInput(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: track whale failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to track whale")
		return
	}
	writeJSON(w, http.StatusCreated, whale)
}

// ListWhales returns the tracked whales.
// GET /api/whales
func (h *WhaleHandler) ListWhales(w http.ResponseWriter, r *http.Request) {
	whales, err := h.whales.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list whales failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list whales")
		return
	}
	if whales == nil {
		whales = []domain.Whale{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"whales": whales})
}

// GetWhale returns one whale by ID.
// GET /api/whales/{id}
func (h *WhaleHandler) GetWhale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid whale id")
		return
	}

	whale, err := h.whales.Get(r.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "whale not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get whale")
		return
	}
	writeJSON(w, http.StatusOK, whale)
}

type updateWhaleRequest struct {
	PriorityScore          *float64 `json:"priority_score,omitempty"`
	PollingIntervalSeconds *int     `json:"polling_interval_seconds,omitempty"`
	IsActive               *bool    `json:"is_active,omitempty"`
}

// UpdateWhale patches a whale's operator-tunable settings.
// PUT /api/whales/{id}
func (h *WhaleHandler) UpdateWhale(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid whale id")
		return
	}
	var req updateWhaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	whale, err := h.whales.UpdateSettings(r.Context(), id, req.PriorityScore, req.PollingIntervalSeconds, req.IsActive)
	if err != nil {
		switch {
		case domain.IsNotFound(err):
			writeError(w, http.StatusNotFound, "whale not found")
		case domain.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: update whale failed",
				slog.Int64("whale_id", id),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to update whale")
		}
		return
	}
	writeJSON(w, http.StatusOK, whale)
}

type followRequest struct {
	UserID            int64   `json:"user_id"`
	AutoCopy          bool    `json:"auto_copy"`
	SizingStrategy    string  `json:"sizing_strategy"`
	CopyTradeSizeUSDT float64 `json:"copy_trade_size_usdt,omitempty"`
	TradeSizePercent  float64 `json:"trade_size_percent,omitempty"`
	MaxLeverage       float64 `json:"max_leverage"`
	Exchange          string  `json:"exchange"`
}

// FollowWhale creates a follow relationship for a user.
// POST /api/whales/{id}/follow
func (h *WhaleHandler) FollowWhale(w http.ResponseWriter, r *http.Request) {
	whaleID, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid whale id")
		return
	}
	var req followRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	follow, err := h.whales.Follow(r.Context(), domain.WhaleFollow{
		UserID:            req.UserID,
		WhaleID:           whaleID,
		AutoCopy:          req.AutoCopy,
		SizingStrategy:    domain.SizingStrategy(req.SizingStrategy),
		CopyTradeSizeUSDT: req.CopyTradeSizeUSDT,
		TradeSizePercent:  req.TradeSizePercent,
		MaxLeverage:       req.MaxLeverage,
		Exchange:          domain.Exchange(req.Exchange),
	})
	if err != nil {
		switch {
		case domain.IsNotFound(err):
			writeError(w, http.StatusNotFound, "whale not found")
		case domain.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create follow")
		}
		return
	}
	writeJSON(w, http.StatusCreated, follow)
}

// Unfollow deletes a follow relationship.
// DELETE /api/follows/{id}
func (h *WhaleHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid follow id")
		return
	}
	if err := h.whales.Unfollow(r.Context(), id); err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "follow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete follow")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
