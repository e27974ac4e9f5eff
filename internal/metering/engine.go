package metering

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxymeter/proxymeter/internal/upstream"
)

// PriceFunc resolves the USD cost of a call; injected so the engine stays a
// pure function of its inputs plus the store.
type PriceFunc func(model string, inputTokens, outputTokens int64) float64

type EngineOptions struct {
	TimezoneOffsetHours int

	// False-start detection: a per-model cost delta above the threshold that
	// equals the model's whole current cumulative cost (within tolerance)
	// means the model's history pre-existed and is only now being reported.
	FalseStartCostUSD       float64
	FalseStartCostTolerance float64
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.FalseStartCostUSD <= 0 {
		o.FalseStartCostUSD = 10
	}
	if o.FalseStartCostTolerance <= 0 {
		o.FalseStartCostTolerance = 0.1
	}
	return o
}

// Engine turns cumulative upstream reports into monotone per-day, per-model
// and per-endpoint deltas.
type Engine struct {
	store  *Store
	price  PriceFunc
	opts   EngineOptions
	logger zerolog.Logger
	now    func() time.Time
}

func NewEngine(store *Store, price PriceFunc, opts EngineOptions, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		price:  price,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "delta_engine").Logger(),
		now:    time.Now,
	}
}

// RunPass ingests one cumulative report: snapshot insert, model rows and the
// daily-aggregate merge happen in a single transaction, so a failed pass
// leaves no partial state and the next tick retries against a larger report.
func (e *Engine) RunPass(ctx context.Context, report upstream.Report, raw []byte) error {
	capturedAt := e.now().UTC()
	currRows, passCost := tabulateRows(report, e.price, capturedAt)

	prevSnap, prevRows, err := e.store.LatestSnapshotWithRows(ctx)
	if err != nil {
		return fmt.Errorf("%w: load previous snapshot: %v", ErrPersistence, err)
	}

	var prevCumulative float64
	if prevSnap != nil {
		prevCumulative = prevSnap.CumulativeCostUSD
	}
	snap := &Snapshot{
		CapturedAt:        capturedAt,
		RawPayload:        string(raw),
		TotalRequests:     report.TotalRequests,
		SuccessCount:      report.SuccessCount,
		FailureCount:      report.FailureCount,
		TotalTokens:       report.TotalTokens,
		CumulativeCostUSD: prevCumulative + passCost,
	}

	delta := ComputePassDelta(prevSnap, prevRows, snap, currRows, e.opts)
	for _, skip := range delta.Skipped {
		e.logger.Warn().
			Str("event", "false_start_skipped").
			Str("endpoint", skip.Endpoint).
			Str("model", skip.Model).
			Float64("cost_usd", skip.CostUSD).
			Msg("model history first reported in full; excluded from deltas")
	}
	if delta.Restart {
		e.logger.Warn().
			Str("event", "upstream_restart").
			Int64("current_requests", snap.TotalRequests).
			Msg("upstream counters rolled back; treating current values as the increment")
	}

	date := localDate(capturedAt, e.opts.TimezoneOffsetHours)

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin pass tx: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	if err := insertSnapshotTx(ctx, tx, snap); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := insertModelRowsTx(ctx, tx, snap.ID, currRows); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	existing, err := getDailyTx(ctx, tx, date)
	if err != nil {
		return fmt.Errorf("%w: load daily aggregate: %v", ErrPersistence, err)
	}
	merged := mergeDaily(existing, date, delta, capturedAt)

	// Self-heal assertion: when totals were reproduced from the breakdown
	// they must sum back to it exactly.
	if !merged.Breakdown.IsEmpty() &&
		!merged.Breakdown.ConsistentWith(merged.TotalRequests, merged.TotalTokens, merged.TotalCostUSD) {
		return fmt.Errorf("%w: daily %s totals diverge from breakdown", ErrInvariant, date)
	}

	if err := upsertDailyTx(ctx, tx, merged); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit pass tx: %v", ErrPersistence, err)
	}

	e.logger.Info().
		Str("event", "pass_complete").
		Int64("snapshot_id", snap.ID).
		Str("date", date).
		Int64("delta_requests", delta.Coarse.Requests).
		Int64("delta_tokens", delta.Coarse.Tokens).
		Float64("delta_cost_usd", delta.Coarse.CostUSD).
		Int("skipped_models", len(delta.Skipped)).
		Msg("")
	return nil
}

// tabulateRows flattens the report into per-(endpoint, model) rows with
// prices applied, and returns the total cost of the snapshot. Keys are
// walked in sorted order so row ids are deterministic.
func tabulateRows(report upstream.Report, price PriceFunc, capturedAt time.Time) ([]ModelUsageRow, float64) {
	endpoints := make([]string, 0, len(report.APIs))
	for endpoint := range report.APIs {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)

	var rows []ModelUsageRow
	var totalCost float64
	for _, endpoint := range endpoints {
		api := report.APIs[endpoint]
		models := make([]string, 0, len(api.Models))
		for model := range api.Models {
			models = append(models, model)
		}
		sort.Strings(models)

		for _, model := range models {
			usage := api.Models[model]
			in, out := usage.InputOutputTokens()
			cost := price(model, in, out)
			rows = append(rows, ModelUsageRow{
				APIEndpoint:      endpoint,
				ModelName:        model,
				RequestCount:     usage.TotalRequests,
				InputTokens:      in,
				OutputTokens:     out,
				TotalTokens:      usage.TotalTokens,
				EstimatedCostUSD: cost,
				CapturedAt:       capturedAt,
			})
			totalCost += cost
		}
	}
	return rows, totalCost
}

type CoarseDelta struct {
	Requests int64
	Success  int64
	Failure  int64
	Tokens   int64
	CostUSD  float64
}

type SkippedModel struct {
	Endpoint string
	Model    string
	CostUSD  float64
}

// PassDelta is the outcome of differencing two consecutive snapshots.
type PassDelta struct {
	Coarse    CoarseDelta
	Breakdown Breakdown
	Skipped   []SkippedModel
	Restart   bool
}

type usageKey struct {
	endpoint string
	model    string
}

// ComputePassDelta is the pure core of the engine: no I/O, fully determined
// by the two snapshot bundles and the options.
func ComputePassDelta(prev *Snapshot, prevRows []ModelUsageRow, curr *Snapshot, currRows []ModelUsageRow, opts EngineOptions) PassDelta {
	opts = opts.withDefaults()
	delta := PassDelta{Breakdown: NewBreakdown()}

	// Coarse delta of the global scalar counters.
	if prev == nil {
		delta.Coarse = CoarseDelta{
			Requests: curr.TotalRequests,
			Success:  curr.SuccessCount,
			Failure:  curr.FailureCount,
			Tokens:   curr.TotalTokens,
			CostUSD:  curr.CumulativeCostUSD,
		}
	} else {
		delta.Coarse = CoarseDelta{
			Requests: curr.TotalRequests - prev.TotalRequests,
			Success:  curr.SuccessCount - prev.SuccessCount,
			Failure:  curr.FailureCount - prev.FailureCount,
			Tokens:   curr.TotalTokens - prev.TotalTokens,
			CostUSD:  curr.CumulativeCostUSD - prev.CumulativeCostUSD,
		}
		if delta.Coarse.Requests < 0 || delta.Coarse.Tokens < 0 {
			// Upstream restart: counters rolled back, the whole current
			// value is the new increment.
			delta.Restart = true
			delta.Coarse.Requests = curr.TotalRequests
			delta.Coarse.Success = curr.SuccessCount
			delta.Coarse.Failure = curr.FailureCount
			delta.Coarse.Tokens = curr.TotalTokens
		}
	}

	prevBy := map[usageKey]ModelUsageRow{}
	for _, row := range prevRows {
		prevBy[usageKey{row.APIEndpoint, row.ModelName}] = row
	}
	currBy := map[usageKey]ModelUsageRow{}
	for _, row := range currRows {
		currBy[usageKey{row.APIEndpoint, row.ModelName}] = row
	}

	keys := make([]usageKey, 0, len(prevBy)+len(currBy))
	seen := map[usageKey]bool{}
	for _, set := range []map[usageKey]ModelUsageRow{currBy, prevBy} {
		for key := range set {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].endpoint != keys[j].endpoint {
			return keys[i].endpoint < keys[j].endpoint
		}
		return keys[i].model < keys[j].model
	})

	coarseRequestsBeforeSkips := delta.Coarse.Requests

	for _, key := range keys {
		p := prevBy[key]
		c := currBy[key]
		dReq := c.RequestCount - p.RequestCount
		dTok := c.TotalTokens - p.TotalTokens
		dIn := c.InputTokens - p.InputTokens
		dOut := c.OutputTokens - p.OutputTokens
		dCost := c.EstimatedCostUSD - p.EstimatedCostUSD

		if dReq < 0 || dTok < 0 {
			// Per-key restart: this model's counters rolled back.
			dReq, dTok, dIn, dOut, dCost = c.RequestCount, c.TotalTokens, c.InputTokens, c.OutputTokens, c.EstimatedCostUSD
		}

		if prev != nil && dCost > opts.FalseStartCostUSD &&
			math.Abs(dCost-c.EstimatedCostUSD) < opts.FalseStartCostTolerance {
			// False start: the model's entire cumulative history surfaced as
			// one delta. Drop the key and keep the coarse totals consistent.
			delta.Skipped = append(delta.Skipped, SkippedModel{Endpoint: key.endpoint, Model: key.model, CostUSD: dCost})
			delta.Coarse.Requests -= dReq
			delta.Coarse.Tokens -= dTok
			delta.Coarse.CostUSD -= dCost
			continue
		}

		if dReq > 0 || dCost > 0 {
			delta.Breakdown.AddModel(key.endpoint, key.model, dReq, dTok, dIn, dOut, dCost)
		}
	}

	// Granular is authoritative. Success/failure have no per-key resolution,
	// so when keys were dropped they are attenuated proportionally.
	if prev != nil {
		safeReq, safeTok, safeCost := delta.Breakdown.ModelSums()
		if coarseRequestsBeforeSkips > 0 {
			ratio := float64(safeReq) / float64(coarseRequestsBeforeSkips)
			if ratio < 0.99 {
				delta.Coarse.Success = int64(math.Round(float64(delta.Coarse.Success) * ratio))
				delta.Coarse.Failure = int64(math.Round(float64(delta.Coarse.Failure) * ratio))
			}
		}
		delta.Coarse.Requests = safeReq
		delta.Coarse.Tokens = safeTok
		delta.Coarse.CostUSD = safeCost
	}

	return delta
}

// mergeDaily deep-merges the pass delta into the aggregate for the date. The
// top-level totals are reproduced from the merged breakdown whenever it is
// non-empty, falling back to adding the coarse delta otherwise.
func mergeDaily(existing *DailyAggregate, date string, delta PassDelta, now time.Time) DailyAggregate {
	agg := DailyAggregate{Date: date, Breakdown: NewBreakdown()}
	if existing != nil {
		agg = *existing
	}

	agg.Breakdown = agg.Breakdown.Merge(delta.Breakdown)

	req, tok, cost := agg.Breakdown.ModelSums()
	if req > 0 || tok > 0 || cost > 0 {
		agg.TotalRequests = req
		agg.TotalTokens = tok
		agg.TotalCostUSD = cost
	} else {
		agg.TotalRequests += maxInt64(0, delta.Coarse.Requests)
		agg.TotalTokens += maxInt64(0, delta.Coarse.Tokens)
		agg.TotalCostUSD += math.Max(0, delta.Coarse.CostUSD)
	}
	agg.SuccessCount += maxInt64(0, delta.Coarse.Success)
	agg.FailureCount += maxInt64(0, delta.Coarse.Failure)
	agg.UpdatedAt = now.UTC()
	return agg
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
