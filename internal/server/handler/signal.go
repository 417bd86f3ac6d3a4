package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// SignalCommands defines the manual signal actions the handler requires.
type SignalCommands interface {
	CopySignal(ctx context.Context, signalID string, userID int64) error
	SkipSignal(ctx context.Context, signalID string, userID int64) error
}

// SignalHandler serves signal query and manual-action endpoints.
type SignalHandler struct {
	signals  domain.SignalStore
	commands SignalCommands
	logger   *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(signals domain.SignalStore, commands SignalCommands, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{signals: signals, commands: commands, logger: logger}
}

// listSignalsResponse wraps the list signals response.
type listSignalsResponse struct {
	Signals []domain.Signal `json:"signals"`
}

// ListSignals returns signals filtered by whale or status.
// GET /api/signals?whale_id=1 or ?status=PENDING
func (h *SignalHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var (
		signals []domain.Signal
		err     error
	)
	switch {
	case r.URL.Query().Get("whale_id") != "":
		var whaleID int64
		whaleID, err = strconv.ParseInt(r.URL.Query().Get("whale_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid whale_id")
			return
		}
		signals, err = h.signals.ListByWhale(r.Context(), whaleID, opts)
	case r.URL.Query().Get("status") != "":
		signals, err = h.signals.ListByStatus(r.Context(), domain.SignalStatus(r.URL.Query().Get("status")), opts)
	default:
		signals, err = h.signals.ListByStatus(r.Context(), domain.SignalStatusPending, opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list signals failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}

	if signals == nil {
		signals = []domain.Signal{}
	}
	writeJSON(w, http.StatusOK, listSignalsResponse{Signals: signals})
}

// GetSignal returns one signal by ID.
// GET /api/signals/{id}
func (h *SignalHandler) GetSignal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "signal id required")
		return
	}

	sig, err := h.signals.GetByID(r.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "signal not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get signal")
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

type signalActionRequest struct {
	UserID int64 `json:"user_id"`
}

// CopySignal manually queues a signal for one user's executor.
// POST /api/signals/{id}/copy
func (h *SignalHandler) CopySignal(w http.ResponseWriter, r *http.Request) {
	h.signalAction(w, r, h.commands.CopySignal)
}

// SkipSignal removes a signal from one user's queue.
// POST /api/signals/{id}/skip
func (h *SignalHandler) SkipSignal(w http.ResponseWriter, r *http.Request) {
	h.signalAction(w, r, h.commands.SkipSignal)
}

func (h *SignalHandler) signalAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, int64) error) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "signal id required")
		return
	}
	var req signalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	if err := action(r.Context(), id, req.UserID); err != nil {
		switch {
		case domain.IsNotFound(err):
			writeError(w, http.StatusNotFound, "signal not found")
		case domain.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: signal action failed",
				slog.String("signal_id", id),
				slog.Int64("user_id", req.UserID),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "signal action failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal_id": id, "user_id": req.UserID})
}
