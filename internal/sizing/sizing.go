// Package sizing derives the notional a follower commits to one copy
// trade. Strategies register behind a small registry keyed by the
// follow's sizing strategy; every strategy runs through the same
// clamps (minimum trade size, venue minimum notional plus buffer,
// available balance).
package sizing

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// Input carries everything a strategy may consult.
type Input struct {
	Follow        domain.WhaleFollow
	Whale         domain.Whale
	Signal        domain.Signal
	AvailableUSDT float64
	// MinNotional is the venue floor for the signal's symbol.
	MinNotional float64
}

// Sizer computes a notional in USDT for one copy trade.
type Sizer interface {
	Name() domain.SizingStrategy
	Size(in Input) (float64, error)
}

// Config holds the shared guard rails.
type Config struct {
	MinTradeSizeUSDT       float64
	TradeSizeBufferPercent float64
	KellyFraction          float64
}

func (c Config) withDefaults() Config {
	if c.MinTradeSizeUSDT <= 0 {
		c.MinTradeSizeUSDT = 10
	}
	if c.KellyFraction <= 0 || c.KellyFraction > 1 {
		c.KellyFraction = 0.5
	}
	return c
}

// Registry resolves sizers by strategy name.
type Registry struct {
	cfg    Config
	sizers map[domain.SizingStrategy]Sizer
}

// NewRegistry creates a Registry with the three built-in strategies.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{cfg: cfg, sizers: make(map[domain.SizingStrategy]Sizer)}
	r.register(&fixedSizer{cfg: cfg})
	r.register(&percentSizer{cfg: cfg})
	r.register(&kellySizer{cfg: cfg})
	return r
}

func (r *Registry) register(s Sizer) {
	r.sizers[s.Name()] = s
}

// Size resolves the follow's strategy and computes the clamped
// notional. An unknown strategy falls back to FIXED.
func (r *Registry) Size(in Input) (float64, error) {
	s, ok := r.sizers[in.Follow.SizingStrategy]
	if !ok {
		s = r.sizers[domain.SizingFixed]
	}
	return s.Size(in)
}

// floor returns the minimum acceptable notional: the configured trade
// minimum or the venue minimum padded by the buffer, whichever is
// higher. The buffer absorbs price movement between sizing and fill so
// a venue does not reject the order for drifting under its floor.
func (c Config) floor(minNotional float64) float64 {
	padded := minNotional * (1 + c.TradeSizeBufferPercent/100)
	return math.Max(c.MinTradeSizeUSDT, padded)
}

// clamp applies the shared guards to a raw notional.
func (c Config) clamp(raw float64, in Input) (float64, error) {
	floor := c.floor(in.MinNotional)
	if in.AvailableUSDT < floor {
		return 0, fmt.Errorf("sizing: balance %.2f below floor %.2f: %w", in.AvailableUSDT, floor, domain.ErrInsufficientBalance)
	}
	size := math.Min(raw, in.AvailableUSDT)
	if size < floor {
		size = floor
	}
	return size, nil
}

type fixedSizer struct {
	cfg Config
}

func (s *fixedSizer) Name() domain.SizingStrategy { return domain.SizingFixed }

func (s *fixedSizer) Size(in Input) (float64, error) {
	raw := in.Follow.CopyTradeSizeUSDT
	if raw <= 0 {
		raw = s.cfg.MinTradeSizeUSDT
	}
	return s.cfg.clamp(raw, in)
}

type percentSizer struct {
	cfg Config
}

func (s *percentSizer) Name() domain.SizingStrategy { return domain.SizingPercent }

func (s *percentSizer) Size(in Input) (float64, error) {
	pct := in.Follow.TradeSizePercent
	if pct <= 0 || pct > 1 {
		return 0, fmt.Errorf("sizing: trade_size_percent %.4f out of (0,1]: %w", pct, domain.ErrInvalidInput)
	}
	return s.cfg.clamp(pct*in.AvailableUSDT, in)
}

// kellySizer stakes a fraction of balance proportional to the whale's
// edge. The edge is derived from the whale priority score: a 50-score
// whale has no measurable edge, a 100-score whale has full edge. The
// configured Kelly fraction (default one half) damps the stake.
type kellySizer struct {
	cfg Config
}

func (s *kellySizer) Name() domain.SizingStrategy { return domain.SizingKelly }

func (s *kellySizer) Size(in Input) (float64, error) {
	edge := whaleEdge(in.Whale.PriorityScore)
	if edge == 0 {
		// No edge means no Kelly stake; fall back to the floor so the
		// follower still participates minimally.
		return s.cfg.clamp(s.cfg.MinTradeSizeUSDT, in)
	}
	return s.cfg.clamp(s.cfg.KellyFraction*edge*in.AvailableUSDT, in)
}

// whaleEdge maps priority score [0,100] onto [0,1], zero at or below
// score 50.
func whaleEdge(priorityScore float64) float64 {
	edge := (priorityScore/100 - 0.5) * 2
	return math.Min(1, math.Max(0, edge))
}
