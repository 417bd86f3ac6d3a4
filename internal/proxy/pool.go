// Package proxy maintains the pool of outbound egress identities used
// for leaderboard observation. Every fetch leases a proxy, makes its
// calls, and releases the lease with an outcome; the pool turns those
// outcomes into health counters, per-exchange cool-downs, and bans.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

const (
	// coolingAfter is the consecutive-failure count at which a proxy
	// enters the global cool-down ladder. The ban threshold is
	// configured separately and must be higher.
	coolingAfter = 3

	// maxGlobalCooldown caps the exponential cool-down window.
	maxGlobalCooldown = time.Hour

	defaultRateLimitCooldown = 10 * time.Minute
	defaultFailureCooldown   = 2 * time.Minute
	defaultBanAfter          = 5
	defaultMinActive         = 3
)

// Config holds pool tuning. Zero values fall back to package defaults.
type Config struct {
	// RateLimitCooldown is the per-exchange cool-down applied when a
	// release reports RATE_LIMITED without a retry-after hint.
	RateLimitCooldown time.Duration
	// FailureCooldown seeds the global cool-down window. Each further
	// consecutive failure doubles it, up to an hour.
	FailureCooldown time.Duration
	// BanAfterConsecutive bans a proxy once this many consecutive
	// failures accumulate.
	BanAfterConsecutive int
	// MinActive is the usable-proxy floor Refresh tries to hold.
	MinActive int
}

func (c Config) withDefaults() Config {
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = defaultRateLimitCooldown
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = defaultFailureCooldown
	}
	if c.BanAfterConsecutive <= coolingAfter {
		c.BanAfterConsecutive = defaultBanAfter
	}
	if c.MinActive <= 0 {
		c.MinActive = defaultMinActive
	}
	return c
}

// Outcome reports how a released lease performed. Only the fields
// relevant to the kind need to be set.
type Outcome struct {
	Kind       domain.LeaseOutcome
	Latency    time.Duration // SUCCESS
	RetryAfter time.Duration // RATE_LIMITED; zero applies the default cool-down
	Reason     string        // FAILED
}

// Success reports a completed request and its latency.
func Success(latency time.Duration) Outcome {
	return Outcome{Kind: domain.LeaseOutcomeSuccess, Latency: latency}
}

// RateLimited reports a venue throttle. retryAfter may be zero when the
// venue gave no hint.
func RateLimited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: domain.LeaseOutcomeRateLimited, RetryAfter: retryAfter}
}

// Failed reports a hard failure (connect error, 5xx, bad gateway).
func Failed(reason string) Outcome {
	return Outcome{Kind: domain.LeaseOutcomeFailed, Reason: reason}
}

// entry pairs the in-memory proxy record with its lease flag.
type entry struct {
	proxy  domain.Proxy
	leased bool
}

// Pool tracks every known proxy in memory and hands out exclusive
// leases. The store stays the durable record; the map is the fast path.
// Lease never blocks: when nothing is leasable the caller gets
// domain.ErrNoProxyAvailable and is expected to defer its work.
type Pool struct {
	store    domain.ProxyStore
	provider Provider // nil disables imports
	prober   Prober   // nil admits imported candidates unprobed
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewPool creates an empty pool. Call Load before the first Lease.
func NewPool(store domain.ProxyStore, provider Provider, prober Prober, cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		store:    store,
		provider: provider,
		prober:   prober,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		entries:  make(map[int64]*entry),
	}
}

// Load replaces the in-memory inventory with the store's. Entries that
// are currently leased keep their in-memory state until released.
func (p *Pool) Load(ctx context.Context) error {
	list, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("proxy: load: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[int64]bool, len(list))
	for _, px := range list {
		seen[px.ID] = true
		if e, ok := p.entries[px.ID]; ok && e.leased {
			continue
		}
		p.entries[px.ID] = &entry{proxy: px}
	}
	for id, e := range p.entries {
		if !seen[id] && !e.leased {
			delete(p.entries, id)
		}
	}
	return nil
}

// Lease checks out the best available proxy for exchange: lowest
// failure rate first, then least recently used. Never-used proxies sort
// ahead of used ones. Returns domain.ErrNoProxyAvailable when every
// proxy is leased, cooling down, or banned.
func (p *Pool) Lease(exchange domain.Exchange) (domain.ProxyLease, error) {
	now := time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*entry
	for _, e := range p.entries {
		if !e.leased && e.proxy.LeasableFor(exchange, now) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return domain.ProxyLease{}, domain.ErrNoProxyAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].proxy, candidates[j].proxy
		ri, rj := pi.FailureRate(), pj.FailureRate()
		if ri != rj {
			return ri < rj
		}
		switch {
		case pi.LastUsedAt == nil && pj.LastUsedAt != nil:
			return true
		case pi.LastUsedAt != nil && pj.LastUsedAt == nil:
			return false
		case pi.LastUsedAt != nil && pj.LastUsedAt != nil && !pi.LastUsedAt.Equal(*pj.LastUsedAt):
			return pi.LastUsedAt.Before(*pj.LastUsedAt)
		}
		return pi.ID < pj.ID
	})

	best := candidates[0]
	best.leased = true
	best.proxy.LastUsedAt = &now

	return domain.ProxyLease{
		ProxyID:  best.proxy.ID,
		URL:      best.proxy.URL,
		Exchange: exchange,
		LeasedAt: now,
	}, nil
}

// Release returns a leased proxy to the pool and applies the outcome:
// success resets the failure ladder, a rate limit cools the proxy down
// for the leased exchange only, and a hard failure climbs toward a
// global cool-down and eventually a ban. The updated record is
// persisted best-effort; a store error is logged, not returned.
func (p *Pool) Release(ctx context.Context, lease domain.ProxyLease, out Outcome) {
	now := time.Now().UTC()

	p.mu.Lock()
	e, ok := p.entries[lease.ProxyID]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("proxy release for unknown proxy",
			slog.Int64("proxy_id", lease.ProxyID),
			slog.String("exchange", string(lease.Exchange)),
		)
		return
	}
	e.leased = false

	switch out.Kind {
	case domain.LeaseOutcomeSuccess:
		e.proxy.SuccessCount++
		e.proxy.ConsecutiveRL = 0
		e.proxy.ConsecutiveFail = 0
		e.proxy.Status = domain.ProxyStatusActive
		e.proxy.GlobalCooldownUntil = nil
		e.proxy.LastSuccessAt = &now
		delete(e.proxy.CooldownUntil, lease.Exchange)

	case domain.LeaseOutcomeRateLimited:
		e.proxy.RateLimitCount++
		e.proxy.ConsecutiveRL++
		retryAfter := out.RetryAfter
		if retryAfter <= 0 {
			retryAfter = p.cfg.RateLimitCooldown
		}
		if e.proxy.CooldownUntil == nil {
			e.proxy.CooldownUntil = make(map[domain.Exchange]time.Time)
		}
		e.proxy.CooldownUntil[lease.Exchange] = now.Add(retryAfter)
		e.proxy.Status = domain.ProxyStatusRateLimited

	case domain.LeaseOutcomeFailed:
		e.proxy.FailureCount++
		e.proxy.ConsecutiveFail++
		switch {
		case e.proxy.ConsecutiveFail >= p.cfg.BanAfterConsecutive:
			e.proxy.Status = domain.ProxyStatusBanned
			e.proxy.BannedAt = &now
			e.proxy.GlobalCooldownUntil = nil
			p.logger.Warn("proxy banned",
				slog.Int64("proxy_id", e.proxy.ID),
				slog.Int("consecutive_failures", e.proxy.ConsecutiveFail),
				slog.String("reason", out.Reason),
			)
		case e.proxy.ConsecutiveFail >= coolingAfter:
			window := globalCooldownWindow(p.cfg.FailureCooldown, e.proxy.ConsecutiveFail)
			until := now.Add(window)
			e.proxy.Status = domain.ProxyStatusCoolingDown
			e.proxy.GlobalCooldownUntil = &until
			p.logger.Info("proxy cooling down",
				slog.Int64("proxy_id", e.proxy.ID),
				slog.Int("consecutive_failures", e.proxy.ConsecutiveFail),
				slog.Duration("window", window),
			)
		}
	}

	updated := e.proxy
	p.mu.Unlock()

	if err := p.store.Update(ctx, updated); err != nil {
		p.logger.Warn("proxy state persist failed",
			slog.Int64("proxy_id", updated.ID),
			slog.String("error", err.Error()),
		)
	}
}

// globalCooldownWindow doubles base for every consecutive failure past
// the cooling threshold, capped at maxGlobalCooldown.
func globalCooldownWindow(base time.Duration, consecutiveFail int) time.Duration {
	window := base
	for i := coolingAfter; i < consecutiveFail; i++ {
		window *= 2
		if window >= maxGlobalCooldown {
			return maxGlobalCooldown
		}
	}
	return window
}

// Refresh reloads the inventory and, when the number of usable proxies
// has fallen below the floor, imports fresh candidates from the
// provider. Every candidate is probed before it joins the pool.
func (p *Pool) Refresh(ctx context.Context) error {
	if err := p.Load(ctx); err != nil {
		return err
	}

	usable := p.UsableCount()
	if usable >= p.cfg.MinActive || p.provider == nil {
		return nil
	}

	urls, err := p.provider.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("proxy: refresh: %w", err)
	}

	known := p.knownURLs()
	added := 0
	for _, u := range urls {
		if usable+added >= p.cfg.MinActive {
			break
		}
		if known[u] {
			continue
		}
		if p.prober != nil {
			if err := p.prober.Probe(ctx, u); err != nil {
				p.logger.Debug("proxy probe failed",
					slog.String("url", redactURL(u)),
					slog.String("error", err.Error()),
				)
				continue
			}
		}

		px := domain.Proxy{
			URL:      u,
			Label:    "imported",
			Status:   domain.ProxyStatusActive,
			IsActive: true,
		}
		id, err := p.store.Create(ctx, px)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			return fmt.Errorf("proxy: import: %w", err)
		}
		px.ID = id

		p.mu.Lock()
		p.entries[id] = &entry{proxy: px}
		p.mu.Unlock()
		added++
	}

	if added > 0 {
		p.logger.Info("proxy pool replenished",
			slog.Int("added", added),
			slog.Int("usable", usable+added),
		)
	}
	return nil
}

// UsableCount reports how many proxies could currently serve at least
// one exchange. Leased proxies count as usable.
func (p *Pool) UsableCount() int {
	now := time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		if e.proxy.Usable(now) {
			n++
		}
	}
	return n
}

// ProxyState is one proxy plus its current lease flag.
type ProxyState struct {
	Proxy  domain.Proxy
	Leased bool
}

// Snapshot returns a copy of the tracked inventory sorted by ID.
func (p *Pool) Snapshot() []ProxyState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ProxyState, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, ProxyState{Proxy: e.proxy, Leased: e.leased})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proxy.ID < out[j].Proxy.ID })
	return out
}

func (p *Pool) knownURLs() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	known := make(map[string]bool, len(p.entries))
	for _, e := range p.entries {
		known[e.proxy.URL] = true
	}
	return known
}
