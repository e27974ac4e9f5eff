package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxymeter/proxymeter/internal/metering"
	"github.com/proxymeter/proxymeter/internal/upstream"
)

const pruneInterval = 6 * time.Hour

// Coordinator owns the single logical writer: one full pass is fetch →
// delta engine → reconciler, and at most one pass runs at a time. Manual
// triggers are coalesced into the in-flight pass.
type Coordinator struct {
	client        *upstream.Client
	engine        *metering.Engine
	reconciler    *metering.Reconciler
	store         *metering.Store
	retentionDays int
	interval      time.Duration
	logger        zerolog.Logger

	mu        sync.Mutex
	inFlight  bool
	lastPrune time.Time

	gate    *logGate
	trigger chan struct{}
}

func NewCoordinator(
	client *upstream.Client,
	engine *metering.Engine,
	reconciler *metering.Reconciler,
	store *metering.Store,
	retentionDays int,
	interval time.Duration,
	logger zerolog.Logger,
) *Coordinator {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Coordinator{
		client:        client,
		engine:        engine,
		reconciler:    reconciler,
		store:         store,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger.With().Str("component", "coordinator").Logger(),
		gate:          newLogGate(),
		trigger:       make(chan struct{}, 1),
	}
}

// Run drives the pass loop: one pass immediately, then one per interval
// measured from the end of the previous pass. A termination signal aborts
// the next tick, never the pass in flight.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info().Str("event", "scheduler_start").Dur("interval", c.interval).Msg("")
	c.RunOnce(ctx)

	for {
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info().Str("event", "scheduler_stop").Msg("")
			return
		case <-timer.C:
			c.RunOnce(ctx)
		case <-c.trigger:
			timer.Stop()
			c.RunOnce(ctx)
		}
	}
}

// TriggerAsync requests a pass. Returns false when a pass was already in
// flight or queued; either way the caller can report "accepted".
func (c *Coordinator) TriggerAsync() bool {
	c.mu.Lock()
	busy := c.inFlight
	c.mu.Unlock()
	if busy {
		return false
	}
	select {
	case c.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunOnce executes one full pass unless one is already in flight (the
// caller is then coalesced). Engine and reconciler failures are isolated
// from each other: window rollovers must surface even when the upstream
// fetch fails.
func (c *Coordinator) RunOnce(ctx context.Context) bool {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return false
	}
	c.inFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	started := time.Now()
	c.collect(ctx)

	if err := c.reconciler.RunPass(ctx); err != nil {
		c.logger.Warn().Str("event", "reconcile_failed").Err(err).Msg("")
	}

	c.maybePrune(ctx)
	c.logger.Info().
		Str("event", "pass_done").
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("")
	return true
}

func (c *Coordinator) collect(ctx context.Context) {
	report, raw, err := c.client.FetchReport(ctx)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrParse):
			// Log the full payload: a shape change upstream needs forensics.
			c.logger.Error().
				Str("event", "report_parse_failed").
				Str("payload", string(raw)).
				Err(err).
				Msg("skipping pass")
		default:
			if c.gate.shouldLog("report_fetch_failed", 5*time.Minute) {
				c.logger.Warn().Str("event", "report_fetch_failed").Err(err).Msg("skipping pass")
			}
		}
		return
	}

	if err := c.engine.RunPass(ctx, report, raw); err != nil {
		switch {
		case errors.Is(err, metering.ErrInvariant):
			c.logger.Error().Str("event", "invariant_violation").Err(err).Msg("pass aborted, nothing written")
		default:
			c.logger.Warn().Str("event", "ingest_failed").Err(err).Msg("pass rolled back")
		}
	}
}

func (c *Coordinator) maybePrune(ctx context.Context) {
	if c.retentionDays <= 0 {
		return
	}
	c.mu.Lock()
	due := time.Since(c.lastPrune) >= pruneInterval
	if due {
		c.lastPrune = time.Now()
	}
	c.mu.Unlock()
	if !due {
		return
	}

	pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	removed, err := c.store.PruneOldSnapshots(pruneCtx, c.retentionDays)
	if err != nil {
		c.logger.Warn().Str("event", "retention_prune_failed").Err(err).Msg("")
		return
	}
	if removed > 0 {
		c.logger.Info().
			Str("event", "retention_prune").
			Int64("removed", removed).
			Int("retention_days", c.retentionDays).
			Msg("")
	}
}
