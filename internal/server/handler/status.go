package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/breaker"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/proxy"
	"github.com/alanyoungcy/whalecopybot/internal/ratelimit"
)

// BreakerSnapshotter exposes per-venue circuit breaker state.
type BreakerSnapshotter interface {
	Snapshot() []breaker.BreakerState
}

// GovernorSnapshotter exposes per-venue rate limit budget state.
type GovernorSnapshotter interface {
	Snapshot() []ratelimit.ExchangeState
}

// ProxySnapshotter exposes the in-memory proxy pool state.
type ProxySnapshotter interface {
	Snapshot() []proxy.ProxyState
	UsableCount() int
}

// StatusHandler serves the operational status endpoint for the
// dashboard: run mode, uptime, circuit breakers, rate limit budgets,
// proxy pool health and per-user queue depth.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	breakers  BreakerSnapshotter
	governor  GovernorSnapshotter
	proxies   ProxySnapshotter
	users     domain.UserStore
	queue     domain.SignalQueue
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. Any snapshot source may be
// nil when the corresponding component is not running in this mode.
func NewStatusHandler(
	mode string,
	startedAt time.Time,
	breakers BreakerSnapshotter,
	governor GovernorSnapshotter,
	proxies ProxySnapshotter,
	users domain.UserStore,
	queue domain.SignalQueue,
	logger *slog.Logger,
) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		breakers:  breakers,
		governor:  governor,
		proxies:   proxies,
		users:     users,
		queue:     queue,
		logger:    logger,
	}
}

type queueDepth struct {
	UserID int64 `json:"user_id"`
	Depth  int64 `json:"depth"`
}

// GetStatus responds with the current operational snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	if h.breakers != nil {
		resp["breakers"] = h.breakers.Snapshot()
	}
	if h.governor != nil {
		resp["rate_limits"] = h.governor.Snapshot()
	}
	if h.proxies != nil {
		resp["proxies"] = map[string]any{
			"usable": h.proxies.UsableCount(),
			"states": h.proxies.Snapshot(),
		}
	}
	if h.users != nil && h.queue != nil {
		depths, err := h.queueDepths(r)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: queue depth lookup failed",
				slog.String("error", err.Error()))
		} else {
			resp["queues"] = depths
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) queueDepths(r *http.Request) ([]queueDepth, error) {
	users, err := h.users.ListActive(r.Context())
	if err != nil {
		return nil, err
	}
	depths := make([]queueDepth, 0, len(users))
	for _, u := range users {
		n, err := h.queue.Len(r.Context(), u.ID)
		if err != nil {
			return nil, err
		}
		depths = append(depths, queueDepth{UserID: u.ID, Depth: n})
	}
	return depths, nil
}
