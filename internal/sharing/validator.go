// Package sharing classifies whale observability. Every fetch outcome
// runs through the Validator, which advances the whale's data status
// (ACTIVE, SHARING_DISABLED, RATE_LIMITED) and schedules revalidation.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
	"github.com/alanyoungcy/whalecopybot/internal/events"
)

// Config holds the validator thresholds. DisableAfter is wall-clock
// time, not a check count: a whale flips to SHARING_DISABLED once its
// fetches have come back empty for that long, with at least
// MinEmptyChecks observations so one fluke fetch at a long polling
// interval cannot disable it.
type Config struct {
	DisableAfter      time.Duration
	MinEmptyChecks    int
	RecheckInterval   time.Duration
	RateLimitCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.DisableAfter <= 0 {
		c.DisableAfter = 15 * time.Minute
	}
	if c.MinEmptyChecks < 1 {
		c.MinEmptyChecks = 3
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 6 * time.Hour
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 15 * time.Minute
	}
	return c
}

// Validator applies fetch outcomes to whales. It owns the status
// fields (data_status, empty-check counter, sharing timers) and is the
// only writer of them.
type Validator struct {
	store  domain.WhaleStore
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewValidator creates a Validator.
func NewValidator(store domain.WhaleStore, bus *events.Bus, cfg Config, logger *slog.Logger) *Validator {
	return &Validator{
		store:  store,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "sharing_validator")),
		now:    time.Now,
	}
}

// Apply folds one fetch outcome into the whale, persists it, and
// publishes status transition events. The whale struct is mutated in
// place so the caller sees the new status.
func (v *Validator) Apply(ctx context.Context, w *domain.Whale, positions []domain.PositionSnapshot, fetchErr error) error {
	now := v.now().UTC()
	prev := w.DataStatus
	w.LastPositionCheck = &now

	v.evaluate(w, len(positions), fetchErr, now)

	if err := v.store.Update(ctx, *w); err != nil {
		return fmt.Errorf("sharing: update whale %d: %w", w.ID, err)
	}

	if w.DataStatus != prev {
		v.logger.InfoContext(ctx, "whale status changed",
			slog.Int64("whale_id", w.ID),
			slog.String("from", string(prev)),
			slog.String("to", string(w.DataStatus)))
		v.bus.Emit(events.TypeWhaleStatusChanged, events.WhaleStatusChanged{Whale: *w, From: prev, To: w.DataStatus})
		if w.DataStatus == domain.DataStatusSharingDisabled {
			v.bus.Emit(events.TypeSharingDisabled, events.SharingDisabled{Whale: *w})
		}
	}
	return nil
}

// evaluate runs the transition table. Bitget positions are always
// public, so empty results there reset the counter instead of
// accumulating toward SHARING_DISABLED.
func (v *Validator) evaluate(w *domain.Whale, positionCount int, fetchErr error, now time.Time) {
	// A whale fetched because its recheck came due is re-admitted with
	// a clean slate: it gets the full empty window again before it can
	// be disabled, and polls on its normal schedule from here.
	if w.DataStatus != domain.DataStatusActive && w.RecheckDue(now) {
		w.DataStatus = domain.DataStatusActive
		w.ConsecutiveEmptyChecks = 0
		w.SharingDisabledAt = nil
		w.SharingRecheckAt = nil
	}

	switch {
	case fetchErr == nil && positionCount > 0:
		v.markActive(w, now)
		w.LastPositionFound = &now

	case fetchErr == nil && w.Exchange == domain.ExchangeBitget:
		// Empty on Bitget means the trader genuinely holds nothing.
		v.markActive(w, now)

	case fetchErr == nil:
		w.ConsecutiveEmptyChecks++
		emptyFor := time.Duration(w.ConsecutiveEmptyChecks) * w.PollingInterval()
		if w.ConsecutiveEmptyChecks >= v.cfg.MinEmptyChecks && emptyFor >= v.cfg.DisableAfter {
			v.disable(w, now)
		}

	case errors.Is(fetchErr, domain.ErrSharingDisabled):
		if w.Exchange == domain.ExchangeBitget {
			// Bitget cannot hide positions; treat as noise.
			return
		}
		v.disable(w, now)

	case errors.Is(fetchErr, domain.ErrRateLimited):
		recheck := now.Add(v.cfg.RateLimitCooldown)
		w.DataStatus = domain.DataStatusRateLimited
		w.SharingRecheckAt = &recheck

	default:
		// Network or unclassified error: ambiguous, leave the status
		// and the empty counter untouched.
	}
}

func (v *Validator) markActive(w *domain.Whale, now time.Time) {
	w.DataStatus = domain.DataStatusActive
	w.ConsecutiveEmptyChecks = 0
	w.SharingDisabledAt = nil
	w.SharingRecheckAt = nil
}

func (v *Validator) disable(w *domain.Whale, now time.Time) {
	recheck := now.Add(v.cfg.RecheckInterval)
	w.DataStatus = domain.DataStatusSharingDisabled
	w.SharingDisabledAt = &now
	w.SharingRecheckAt = &recheck
}
