// Package ratelimit implements the per-exchange request budget and
// backoff governor. It is advisory: adapters ask CanProceed before a
// call, report the outcome after, and use WaitIfNeeded to sit out a
// cool-down. The governor never blocks a call on its own.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// window is the fixed budget window.
const window = time.Minute

const (
	defaultRequestsPerMinute = 120
	defaultInitialBackoff    = time.Second
	defaultMaxBackoff        = 5 * time.Minute
	defaultMultiplier        = 2.0
)

// Config holds the per-venue budget and backoff envelope. The
// effective per-window capacity is RequestsPerMinute plus Burst.
type Config struct {
	RequestsPerMinute int
	Burst             int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Burst < 0 {
		c.Burst = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = defaultMultiplier
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	return c
}

// exchangeState is the mutable budget record for one venue.
type exchangeState struct {
	windowCount    int
	windowStart    time.Time
	consecutive429 int
	backoff        time.Duration
	cooldownUntil  time.Time
}

// Governor tracks request budgets and backoff state per exchange.
type Governor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[domain.Exchange]*exchangeState
}

// NewGovernor creates a governor with no venue state; records are
// created lazily on first use.
func NewGovernor(cfg Config, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		states: make(map[domain.Exchange]*exchangeState),
	}
}

// state returns the record for exchange, creating it and rolling the
// window as needed. Callers must hold g.mu.
func (g *Governor) state(exchange domain.Exchange, now time.Time) *exchangeState {
	s, ok := g.states[exchange]
	if !ok {
		s = &exchangeState{windowStart: now, backoff: g.cfg.InitialBackoff}
		g.states[exchange] = s
	}
	if now.Sub(s.windowStart) >= window {
		s.windowCount = 0
		s.windowStart = now
	}
	return s
}

func (g *Governor) capacity() int {
	return g.cfg.RequestsPerMinute + g.cfg.Burst
}

// CanProceed reports whether exchange has budget right now: false
// while the venue is cooling down or the current window is spent.
func (g *Governor) CanProceed(exchange domain.Exchange) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state(exchange, now)
	if now.Before(s.cooldownUntil) {
		return false
	}
	return s.windowCount < g.capacity()
}

// WaitIfNeeded blocks until the exchange's cool-down has passed or ctx
// is done. It returns immediately when no cool-down is active.
func (g *Governor) WaitIfNeeded(ctx context.Context, exchange domain.Exchange) error {
	for {
		now := g.now()
		g.mu.Lock()
		s := g.state(exchange, now)
		remaining := s.cooldownUntil.Sub(now)
		g.mu.Unlock()

		if remaining <= 0 {
			return nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordSuccess consumes one unit of window budget and walks the venue
// out of recovery: each success decrements the consecutive-429 count,
// and once it reaches zero the backoff resets to its initial value.
func (g *Governor) RecordSuccess(exchange domain.Exchange) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state(exchange, now)
	s.windowCount++
	if s.consecutive429 > 0 {
		s.consecutive429--
		if s.consecutive429 == 0 {
			s.backoff = g.cfg.InitialBackoff
		}
	}
}

// RecordRateLimit registers a 429 from the venue. The current backoff,
// spread by jitter, becomes the cool-down window, and the backoff
// grows by the multiplier for the next hit, capped at MaxBackoff. The
// returned duration is how long callers should stay away.
func (g *Governor) RecordRateLimit(exchange domain.Exchange) time.Duration {
	now := g.now()

	g.mu.Lock()
	s := g.state(exchange, now)
	s.consecutive429++

	wait := jitter(s.backoff, g.cfg.JitterFactor)
	s.cooldownUntil = now.Add(wait)

	next := time.Duration(float64(s.backoff) * g.cfg.BackoffMultiplier)
	if next > g.cfg.MaxBackoff {
		next = g.cfg.MaxBackoff
	}
	s.backoff = next
	consecutive := s.consecutive429
	g.mu.Unlock()

	g.logger.Warn("exchange rate limited",
		slog.String("exchange", string(exchange)),
		slog.Duration("cooldown", wait),
		slog.Int("consecutive_429", consecutive),
	)
	return wait
}

// ExchangeState is a read-only view of one venue's budget record.
type ExchangeState struct {
	Exchange       domain.Exchange
	WindowCount    int
	WindowStart    time.Time
	Consecutive429 int
	Backoff        time.Duration
	CooldownUntil  time.Time
}

// Snapshot returns a copy of every tracked venue state, sorted by
// exchange name.
func (g *Governor) Snapshot() []ExchangeState {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ExchangeState, 0, len(g.states))
	for ex, s := range g.states {
		out = append(out, ExchangeState{
			Exchange:       ex,
			WindowCount:    s.windowCount,
			WindowStart:    s.windowStart,
			Consecutive429: s.consecutive429,
			Backoff:        s.backoff,
			CooldownUntil:  s.cooldownUntil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// jitter spreads d by a uniform factor in [-f, +f] so synchronized
// callers do not come back in lockstep.
func jitter(d time.Duration, f float64) time.Duration {
	if f <= 0 {
		return d
	}
	spread := float64(d) * f * (rand.Float64()*2 - 1)
	out := time.Duration(float64(d) + spread)
	if out < 0 {
		return 0
	}
	return out
}
