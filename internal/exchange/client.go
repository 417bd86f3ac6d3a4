// Package exchange implements the venue adapters: a trading port and a
// credential-less observation port per supported exchange. Adapters
// speak canonical symbols at the boundary, translate to venue
// spellings internally, and map every venue failure to
// *domain.ExchangeError so callers branch on Retryable and sentinel
// errors, never on venue codes.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// defaultTimeout bounds one HTTP round trip. Retries on top of this
// are the caller's business.
const defaultTimeout = 10 * time.Second

// Endpoints carries the REST roots for one venue. FuturesURL may be
// empty for venues that serve derivatives from the same host, in which
// case BaseURL is used for both.
type Endpoints struct {
	BaseURL        string
	FuturesURL     string
	LeaderboardURL string
}

func (e Endpoints) futures() string {
	if e.FuturesURL != "" {
		return e.FuturesURL
	}
	return e.BaseURL
}

// leaderboardUserAgent is sent on observation calls. The public
// leaderboard endpoints sit behind web frontends that reject requests
// without a browser user agent.
const leaderboardUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// newHTTPClient returns a client with the per-call timeout. proxyURL
// may be empty for direct egress.
func newHTTPClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Timeout: defaultTimeout}, nil
	}
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("exchange: parse proxy url: %w", err)
	}
	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(pu)},
	}, nil
}

// netErr wraps a transport-level failure. Everything except caller
// cancellation is retryable.
func netErr(ex domain.Exchange, op string, err error) error {
	return &domain.ExchangeError{
		Exchange:  ex,
		Message:   op + ": " + err.Error(),
		Retryable: !errors.Is(err, context.Canceled),
		Err:       err,
	}
}

// rateLimitedErr marks a venue throttle. It unwraps to
// domain.ErrRateLimited so the governor and breaker can recognize it.
func rateLimitedErr(ex domain.Exchange, code, msg string) error {
	return &domain.ExchangeError{Exchange: ex, Code: code, Message: msg, Retryable: true, Err: domain.ErrRateLimited}
}

// notFoundErr marks a venue-side miss (unknown order, empty lookup).
func notFoundErr(ex domain.Exchange, code, msg string) error {
	return &domain.ExchangeError{Exchange: ex, Code: code, Message: msg, Err: domain.ErrNotFound}
}

// insufficientErr marks an order rejected for lack of funds. It
// unwraps to domain.ErrInsufficientBalance so the executor can mark
// the follower balance-short instead of retrying.
func insufficientErr(ex domain.Exchange, code, msg string) error {
	return &domain.ExchangeError{Exchange: ex, Code: code, Message: msg, Err: domain.ErrInsufficientBalance}
}

// sharingDisabledErr marks a whale whose positions are not publicly
// visible.
func sharingDisabledErr(ex domain.Exchange, msg string) error {
	return &domain.ExchangeError{Exchange: ex, Message: msg, Err: domain.ErrSharingDisabled}
}

// sharingDisabledMessage recognizes the wordings the leaderboard
// endpoints use when a trader's positions are hidden.
func sharingDisabledMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"private", "permission", "not shar", "hidden"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// httpStatusErr maps a non-2xx response with no parseable venue
// payload. 429/418 are throttles; 408 and 5xx are transient.
func httpStatusErr(ex domain.Exchange, status int, body []byte) error {
	code := strconv.Itoa(status)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return rateLimitedErr(ex, code, "rate limited")
	case status == http.StatusNotFound:
		return notFoundErr(ex, code, "not found")
	case status == http.StatusRequestTimeout || status >= 500:
		return &domain.ExchangeError{Exchange: ex, Code: code, Message: truncate(string(body)), Retryable: true}
	default:
		return &domain.ExchangeError{Exchange: ex, Code: code, Message: truncate(string(body))}
	}
}

// truncate bounds venue error payloads before they reach logs.
func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 256 {
		return s[:256]
	}
	return s
}

// isNumeric reports whether s is a plain digit string. Venue order ids
// are numeric; our client order ids are UUIDs, so this decides which
// lookup parameter an id belongs in.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// fmtQty renders a quantity or price without trailing zeros.
func fmtQty(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// parseF parses a venue decimal string, returning 0 for empty or
// malformed values. Venue payloads use "" for absent numbers.
func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
