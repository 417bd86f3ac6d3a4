package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// PositionHandler serves copied-position HTTP endpoints.
type PositionHandler struct {
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given store and logger.
func NewPositionHandler(positions domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns a user's positions. Open positions by default,
// closed history with ?status=closed.
// GET /api/positions?user_id=1&status=open|closed
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	var positions []domain.Position
	if r.URL.Query().Get("status") == "closed" {
		positions, err = h.positions.ListHistory(r.Context(), userID, parseListOpts(r))
	} else {
		positions, err = h.positions.ListOpenByUser(r.Context(), userID)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	pos, err := h.positions.GetByID(r.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
