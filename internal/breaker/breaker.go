// Package breaker implements the per-exchange circuit breaker that
// wraps every adapter call, observation and trading alike. One
// process-wide Registry maps exchange name to breaker.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
	defaultSuccessThreshold = 2
)

// Config holds breaker thresholds. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	return c
}

// Breaker is a three-state circuit breaker for a single exchange.
// Closed passes calls through and counts failures; open fails fast
// until the recovery timeout elapses; half-open admits exactly one
// concurrent trial at a time until enough consecutive successes close
// the circuit again.
type Breaker struct {
	name   domain.Exchange
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailureAt time.Time
	trialInFlight bool
}

// NewBreaker creates a closed breaker for the named exchange.
func NewBreaker(name domain.Exchange, cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Do runs fn under the breaker. It fails fast with
// domain.ErrCircuitOpen while the circuit is open, and otherwise
// records fn's outcome. Rate limits, not-found answers, hidden
// leaderboards, and caller cancellation are neutral: they neither trip
// nor heal the circuit.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		b.onSuccess()
	case isNeutral(err):
		b.onNeutral()
	default:
		b.onFailure()
	}
	return err
}

// State returns the current position, applying the open-to-half-open
// timeout transition if it is due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// allow reserves the right to make one call.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.lastFailureAt) < b.cfg.RecoveryTimeout {
			return domain.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.successes = 0
		b.trialInFlight = true
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			return domain.ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.lastFailureAt = b.now()
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes = 0
		b.transition(StateOpen)
		b.lastFailureAt = b.now()
	case StateOpen:
		// A straggler from before the trip; refresh the timer.
		b.lastFailureAt = b.now()
	}
}

func (b *Breaker) onNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.logger.Info("circuit breaker state change",
		slog.String("exchange", string(b.name)),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// isNeutral reports whether err should bypass failure accounting. A
// venue answering "no such order" or "positions hidden" is responding
// normally; only infrastructure failures count against the circuit.
func isNeutral(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrSharingDisabled) ||
		errors.Is(err, context.Canceled)
}

// Registry holds one breaker per exchange, created lazily.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[domain.Exchange]*Breaker
}

// NewRegistry creates an empty registry; breakers share cfg.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[domain.Exchange]*Breaker),
	}
}

// For returns the breaker for exchange, creating it on first use.
func (r *Registry) For(exchange domain.Exchange) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[exchange]
	if !ok {
		b = NewBreaker(exchange, r.cfg, r.logger)
		r.breakers[exchange] = b
	}
	return b
}

// BreakerState is a read-only view of one breaker.
type BreakerState struct {
	Exchange domain.Exchange
	State    State
	Failures int
}

// Snapshot returns the state of every tracked breaker, sorted by
// exchange name.
func (r *Registry) Snapshot() []BreakerState {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerState, 0, len(breakers))
	for _, b := range breakers {
		b.mu.Lock()
		out = append(out, BreakerState{Exchange: b.name, State: b.state, Failures: b.failures})
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}
