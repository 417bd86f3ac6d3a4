package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// ProxyHandler serves proxy inventory endpoints.
type ProxyHandler struct {
	proxies domain.ProxyStore
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(proxies domain.ProxyStore, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{proxies: proxies, logger: logger}
}

// proxyView is a proxy row with credentials stripped from the URL.
type proxyView struct {
	ID             int64              `json:"id"`
	URL            string             `json:"url"`
	Label          string             `json:"label"`
	Status         domain.ProxyStatus `json:"status"`
	IsActive       bool               `json:"is_active"`
	SuccessCount   int64              `json:"success_count"`
	FailureCount   int64              `json:"failure_count"`
	RateLimitCount int64              `json:"rate_limit_count"`
	FailureRate    float64            `json:"failure_rate"`
	Usable         bool               `json:"usable"`
	LastSuccessAt  *time.Time         `json:"last_success_at,omitempty"`
	BannedAt       *time.Time         `json:"banned_at,omitempty"`
}

func toProxyView(p domain.Proxy, now time.Time) proxyView {
	return proxyView{
		ID:             p.ID,
		URL:            redactProxyURL(p.URL),
		Label:          p.Label,
		Status:         p.Status,
		IsActive:       p.IsActive,
		SuccessCount:   p.SuccessCount,
		FailureCount:   p.FailureCount,
		RateLimitCount: p.RateLimitCount,
		FailureRate:    p.FailureRate(),
		Usable:         p.Usable(now),
		LastSuccessAt:  p.LastSuccessAt,
		BannedAt:       p.BannedAt,
	}
}

// redactProxyURL strips userinfo so credentials never leave the API.
func redactProxyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}

// ListProxies returns the proxy inventory with credentials redacted.
// GET /api/proxies
func (h *ProxyHandler) ListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.proxies.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list proxies failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list proxies")
		return
	}

	now := time.Now()
	views := make([]proxyView, 0, len(proxies))
	for _, p := range proxies {
		views = append(views, toProxyView(p, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": views})
}

type createProxyRequest struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

// CreateProxy adds a proxy to the inventory. The pool picks it up on
// its next refresh.
// POST /api/proxies
func (h *ProxyHandler) CreateProxy(w http.ResponseWriter, r *http.Request) {
	var req createProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be scheme://[user:pass@]host:port")
		return
	}

	p := domain.Proxy{
		URL:      req.URL,
		Label:    req.Label,
		Status:   domain.ProxyStatusActive,
		IsActive: true,
	}
	id, err := h.proxies.Create(r.Context(), p)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: create proxy failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create proxy")
		return
	}
	p.ID = id
	writeJSON(w, http.StatusCreated, toProxyView(p, time.Now()))
}
