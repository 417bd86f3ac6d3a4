package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// FollowUpdater defines the follow mutation the handler requires.
type FollowUpdater interface {
	UpdateFollow(ctx context.Context, f domain.WhaleFollow) (domain.WhaleFollow, error)
}

// FollowHandler serves follow settings endpoints.
type FollowHandler struct {
	commands FollowUpdater
	logger   *slog.Logger
}

// NewFollowHandler creates a FollowHandler.
func NewFollowHandler(commands FollowUpdater, logger *slog.Logger) *FollowHandler {
	return &FollowHandler{commands: commands, logger: logger}
}

type updateFollowRequest struct {
	AutoCopy          bool    `json:"auto_copy"`
	SizingStrategy    string  `json:"sizing_strategy"`
	CopyTradeSizeUSDT float64 `json:"copy_trade_size_usdt,omitempty"`
	TradeSizePercent  float64 `json:"trade_size_percent,omitempty"`
	MaxLeverage       float64 `json:"max_leverage"`
	Exchange          string  `json:"exchange"`
}

// UpdateFollow replaces a follow's copy settings.
// PUT /api/follows/{id}
func (h *FollowHandler) UpdateFollow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid follow id")
		return
	}
	var req updateFollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	follow, err := h.commands.UpdateFollow(r.Context(), domain.WhaleFollow{
		ID:                id,
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
			writeError(w, http.StatusNotFound, "follow not found")
		case domain.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: update follow failed",
				slog.Int64("follow_id", id),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to update follow")
		}
		return
	}
	writeJSON(w, http.StatusOK, follow)
}
