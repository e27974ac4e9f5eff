package metering

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type ReconcilerOptions struct {
	TimezoneOffsetHours int

	// A baseline further than GapThreshold before the first in-window row
	// gets replaced by a synthetic baseline interpolated at the window start,
	// so one idle-gap boundary does not read as in-window usage.
	GapThreshold time.Duration

	// False-start detection on the token dimension, mirroring the engine's
	// cost-dimension filter.
	FalseStartTokens    int64
	FalseStartTolerance int64
}

func (o ReconcilerOptions) withDefaults() ReconcilerOptions {
	if o.GapThreshold <= 0 {
		o.GapThreshold = 30 * time.Minute
	}
	if o.FalseStartTokens <= 0 {
		o.FalseStartTokens = 100_000
	}
	if o.FalseStartTolerance <= 0 {
		o.FalseStartTolerance = 100
	}
	return o
}

// Reconciler recomputes every RateLimitStatus from the per-model usage rows.
type Reconciler struct {
	store  *Store
	opts   ReconcilerOptions
	logger zerolog.Logger
	now    func() time.Time
}

func NewReconciler(store *Store, opts ReconcilerOptions, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "reconciler").Logger(),
		now:    time.Now,
	}
}

// RunPass reconciles every config. Failures are isolated per config: one bad
// config logs and the pass moves on.
func (r *Reconciler) RunPass(ctx context.Context) error {
	configs, err := r.store.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("%w: list configs: %v", ErrPersistence, err)
	}

	for _, cfg := range configs {
		status, reconcileErr := r.ReconcileConfig(ctx, cfg)
		if reconcileErr != nil {
			r.logger.Warn().
				Str("event", "config_reconcile_failed").
				Int64("config_id", cfg.ID).
				Err(reconcileErr).
				Msg("")
			continue
		}
		if err := r.store.UpsertStatus(ctx, status); err != nil {
			r.logger.Warn().
				Str("event", "status_write_failed").
				Int64("config_id", cfg.ID).
				Err(err).
				Msg("")
		}
	}
	return nil
}

// ReconcileConfig computes the current window usage and derived status for
// one config without writing it.
func (r *Reconciler) ReconcileConfig(ctx context.Context, cfg RateLimitConfig) (RateLimitStatus, error) {
	nowUTC := r.now().UTC()
	naturalStart, nextReset := windowBounds(cfg, nowUTC, r.opts.TimezoneOffsetHours)
	windowStart := effectiveWindowStart(naturalStart, cfg.ResetAnchor)

	usedTokens, usedRequests, err := r.usageInWindow(ctx, cfg, windowStart)
	if err != nil {
		return RateLimitStatus{}, err
	}

	status := buildStatus(cfg, usedTokens, usedRequests, windowStart, nextReset, nowUTC)
	return status, nil
}

// ManualReset anchors the config's window at the current instant and writes
// a fresh zero-usage status. The next pass sees the anchor past the natural
// window start and preserves the reset.
func (r *Reconciler) ManualReset(ctx context.Context, configID int64) (RateLimitStatus, error) {
	cfg, err := r.store.GetConfig(ctx, configID)
	if err != nil {
		return RateLimitStatus{}, err
	}
	if cfg == nil {
		return RateLimitStatus{}, fmt.Errorf("%w: config %d", ErrNotFound, configID)
	}

	now := r.now().UTC()
	if err := r.store.SetResetAnchor(ctx, configID, now); err != nil {
		return RateLimitStatus{}, err
	}

	_, nextReset := windowBounds(*cfg, now, r.opts.TimezoneOffsetHours)
	status := buildStatus(*cfg, 0, 0, now, nextReset, now)
	if err := r.store.UpsertStatus(ctx, status); err != nil {
		return RateLimitStatus{}, err
	}

	r.logger.Info().
		Str("event", "manual_reset").
		Int64("config_id", configID).
		Msg("")
	return status, nil
}

// usageInWindow differences the latest matching snapshot rows against a
// baseline at (or interpolated to) the window start.
func (r *Reconciler) usageInWindow(ctx context.Context, cfg RateLimitConfig, windowStart time.Time) (tokens, requests int64, err error) {
	pattern := cfg.ModelPattern

	latestTime, err := r.store.latestRowTime(ctx, pattern, nil)
	if err != nil {
		return 0, 0, err
	}
	if latestTime == nil || latestTime.Before(windowStart) {
		// Nothing recorded, or no activity inside the window.
		return 0, 0, nil
	}

	baselineTime, err := r.store.latestRowTime(ctx, pattern, &windowStart)
	if err != nil {
		return 0, 0, err
	}
	firstInnerTime, err := r.store.earliestRowTimeAtOrAfter(ctx, pattern, windowStart)
	if err != nil {
		return 0, 0, err
	}

	currMap, err := r.store.modelUsageAt(ctx, pattern, *latestTime)
	if err != nil {
		return 0, 0, err
	}

	var baselineMap map[string]TokenRequestPair
	switch {
	case baselineTime == nil:
		// Scraping started inside the window: optimistically treat the first
		// in-window snapshot as the baseline.
		if firstInnerTime == nil {
			return 0, 0, nil
		}
		baselineMap, err = r.store.modelUsageAt(ctx, pattern, *firstInnerTime)
		if err != nil {
			return 0, 0, err
		}
	default:
		baselineMap, err = r.store.modelUsageAt(ctx, pattern, *baselineTime)
		if err != nil {
			return 0, 0, err
		}
		if firstInnerTime != nil && firstInnerTime.Sub(*baselineTime) > r.opts.GapThreshold {
			innerMap, innerErr := r.store.modelUsageAt(ctx, pattern, *firstInnerTime)
			if innerErr != nil {
				return 0, 0, innerErr
			}
			baselineMap = interpolateBaseline(baselineMap, innerMap, *baselineTime, *firstInnerTime, windowStart)
		}
	}

	usedTokens, usedRequests := r.sumWindowDeltas(cfg, currMap, baselineMap)
	return usedTokens, usedRequests, nil
}

func (r *Reconciler) sumWindowDeltas(cfg RateLimitConfig, currMap, baselineMap map[string]TokenRequestPair) (tokens, requests int64) {
	models := lo.Uniq(append(lo.Keys(currMap), lo.Keys(baselineMap)...))
	for _, model := range models {
		curr := currMap[model]
		base := baselineMap[model]

		dTokens := curr.Tokens - base.Tokens
		dRequests := curr.Requests - base.Requests
		if dTokens < 0 || dRequests < 0 {
			// Restart rule, same as the delta engine.
			dTokens, dRequests = curr.Tokens, curr.Requests
		}

		if base.Tokens == 0 && dTokens > r.opts.FalseStartTokens &&
			absInt64(dTokens-curr.Tokens) < r.opts.FalseStartTolerance {
			r.logger.Warn().
				Str("event", "window_false_start_skipped").
				Int64("config_id", cfg.ID).
				Str("model", model).
				Int64("tokens", dTokens).
				Msg("model history first reported in full; excluded from window usage")
			continue
		}

		tokens += dTokens
		requests += dRequests
	}
	return tokens, requests
}

// interpolateBaseline builds the synthetic window-start baseline by linear
// interpolation between the pre-window baseline and the first in-window
// snapshot, per model. The ratio is clipped to [0, 1].
func interpolateBaseline(base, inner map[string]TokenRequestPair, baseTime, innerTime, windowStart time.Time) map[string]TokenRequestPair {
	span := innerTime.Sub(baseTime)
	if span <= 0 {
		return base
	}
	ratio := float64(windowStart.Sub(baseTime)) / float64(span)
	ratio = math.Max(0, math.Min(1, ratio))

	models := lo.Uniq(append(lo.Keys(base), lo.Keys(inner)...))
	out := make(map[string]TokenRequestPair, len(models))
	for _, model := range models {
		b := base[model]
		i := inner[model]
		out[model] = TokenRequestPair{
			Tokens:   b.Tokens + int64(math.Round(ratio*float64(i.Tokens-b.Tokens))),
			Requests: b.Requests + int64(math.Round(ratio*float64(i.Requests-b.Requests))),
		}
	}
	return out
}

// buildStatus derives the whole-row status. Remaining clamps at zero and the
// percentage reflects whichever limit dimension is declared, tokens first.
func buildStatus(cfg RateLimitConfig, usedTokens, usedRequests int64, windowStart, nextReset, now time.Time) RateLimitStatus {
	status := RateLimitStatus{
		ConfigID:     cfg.ID,
		UsedTokens:   usedTokens,
		UsedRequests: usedRequests,
		WindowStart:  windowStart,
		NextReset:    nextReset,
		LastUpdated:  now,
	}

	if cfg.TokenLimit > 0 {
		status.RemainingTokens = maxInt64(0, cfg.TokenLimit-usedTokens)
	}
	if cfg.RequestLimit > 0 {
		status.RemainingRequests = maxInt64(0, cfg.RequestLimit-usedRequests)
	}

	switch {
	case cfg.TokenLimit > 0:
		status.Percentage = clampPercent(status.RemainingTokens, cfg.TokenLimit)
		status.StatusLabel = fmt.Sprintf("%d / %d tokens used", usedTokens, cfg.TokenLimit)
	case cfg.RequestLimit > 0:
		status.Percentage = clampPercent(status.RemainingRequests, cfg.RequestLimit)
		status.StatusLabel = fmt.Sprintf("%d / %d requests used", usedRequests, cfg.RequestLimit)
	default:
		status.Percentage = 100
		status.StatusLabel = fmt.Sprintf("%d tokens, %d requests (informational)", usedTokens, usedRequests)
	}
	return status
}

func clampPercent(remaining, limit int64) int {
	if limit <= 0 {
		return 100
	}
	pct := int(math.Floor(float64(remaining) / float64(limit) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
