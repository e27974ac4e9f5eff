package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestReconciler(t *testing.T, store *Store, at time.Time) *Reconciler {
	t.Helper()
	r := NewReconciler(store, ReconcilerOptions{}, zerolog.Nop())
	r.now = func() time.Time { return at }
	return r
}

// runPassAt ingests one single-model report captured at the given instant.
func runPassAt(t *testing.T, store *Store, at time.Time, requests, tokens int64) {
	t.Helper()
	engine := newTestEngine(t, store, at)
	report := singleModelReport(requests, requests, 0, tokens, tokens, 0)
	if err := engine.RunPass(context.Background(), report, nil); err != nil {
		t.Fatalf("pass at %s: %v", at, err)
	}
}

func mustCreateConfig(t *testing.T, store *Store, cfg RateLimitConfig) RateLimitConfig {
	t.Helper()
	if err := store.CreateConfig(context.Background(), &cfg); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	return cfg
}

func TestReconcileNoDataInWindow(t *testing.T) {
	store := newTestStore(t)
	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		ResetStrategy: ResetDaily,
		TokenLimit:    1000,
	})

	r := newTestReconciler(t, store, time.Date(2025, 6, 10, 0, 30, 0, 0, time.UTC))
	status, err := r.ReconcileConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ReconcileConfig: %v", err)
	}
	if status.UsedTokens != 0 || status.Percentage != 100 {
		t.Errorf("empty store: used=%d pct=%d, want 0/100", status.UsedTokens, status.Percentage)
	}
}

func TestReconcileGapInterpolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Baseline 20 minutes before local midnight, first in-window snapshot 20
	// minutes after: the 40-minute gap exceeds the threshold, so the
	// window-start baseline is interpolated halfway between the two.
	runPassAt(t, store, time.Date(2025, 6, 9, 23, 40, 0, 0, time.UTC), 10, 1000)
	runPassAt(t, store, time.Date(2025, 6, 10, 0, 20, 0, 0, time.UTC), 15, 1500)
	runPassAt(t, store, time.Date(2025, 6, 10, 0, 30, 0, 0, time.UTC), 16, 1600)

	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		ResetStrategy: ResetDaily,
		TokenLimit:    1000,
	})

	r := newTestReconciler(t, store, time.Date(2025, 6, 10, 0, 40, 0, 0, time.UTC))
	status, err := r.ReconcileConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("ReconcileConfig: %v", err)
	}

	// Synthetic baseline: 1000 + 0.5*(1500-1000) = 1250 tokens, 13 requests.
	if status.UsedTokens != 350 {
		t.Errorf("used tokens = %d, want 350", status.UsedTokens)
	}
	if status.UsedRequests != 3 {
		t.Errorf("used requests = %d, want 3", status.UsedRequests)
	}
	if status.RemainingTokens != 650 || status.Percentage != 65 {
		t.Errorf("remaining=%d pct=%d, want 650/65", status.RemainingTokens, status.Percentage)
	}
	if status.StatusLabel != "350 / 1000 tokens used" {
		t.Errorf("label = %q", status.StatusLabel)
	}
}

func TestReconcileRollingWindowGap(t *testing.T) {
	store := newTestStore(t)

	// Five-hour rolling window. The baseline sits 240 minutes before the
	// window start and the first in-window row 10 minutes after it, so the
	// interpolation ratio is 240/250 = 0.96.
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-300 * time.Minute)
	runPassAt(t, store, windowStart.Add(-240*time.Minute), 100, 10_000)
	runPassAt(t, store, windowStart.Add(10*time.Minute), 101, 10_100)
	runPassAt(t, store, now.Add(-5*time.Minute), 102, 10_200)

	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		WindowMinutes: 300,
		ResetStrategy: ResetRolling,
		TokenLimit:    1000,
	})

	r := newTestReconciler(t, store, now)
	status, err := r.ReconcileConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ReconcileConfig: %v", err)
	}
	// Interpolated baseline: 10000 + 0.96*100 = 10096 tokens.
	if status.UsedTokens != 104 {
		t.Errorf("used tokens = %d, want 104", status.UsedTokens)
	}
	if !status.NextReset.Equal(now.Add(time.Minute)) {
		t.Errorf("next reset = %v, want the recency hint now+1m", status.NextReset)
	}
}

func TestReconcileWindowRollover(t *testing.T) {
	store := newTestStore(t)

	// Heavy usage before midnight must not leak into the new daily window.
	runPassAt(t, store, time.Date(2025, 6, 9, 23, 50, 0, 0, time.UTC), 90, 9000)

	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		ResetStrategy: ResetDaily,
		TokenLimit:    10_000,
	})

	r := newTestReconciler(t, store, time.Date(2025, 6, 10, 0, 5, 0, 0, time.UTC))
	status, err := r.ReconcileConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ReconcileConfig: %v", err)
	}
	if status.UsedTokens != 0 || status.Percentage != 100 {
		t.Errorf("post-rollover status = used %d / pct %d, want 0/100", status.UsedTokens, status.Percentage)
	}
}

func TestReconcileSmallGapUsesRawBaseline(t *testing.T) {
	store := newTestStore(t)

	runPassAt(t, store, time.Date(2025, 6, 9, 23, 50, 0, 0, time.UTC), 10, 1000)
	runPassAt(t, store, time.Date(2025, 6, 10, 0, 10, 0, 0, time.UTC), 12, 1300)

	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		ResetStrategy: ResetDaily,
		TokenLimit:    10_000,
	})

	r := newTestReconciler(t, store, time.Date(2025, 6, 10, 0, 15, 0, 0, time.UTC))
	status, err := r.ReconcileConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ReconcileConfig: %v", err)
	}
	if status.UsedTokens != 300 || status.UsedRequests != 2 {
		t.Errorf("used = %d tok / %d req, want 300/2", status.UsedTokens, status.UsedRequests)
	}
}

func TestReconcileScrapingStartedInsideWindow(t *testing.T) {
	store := newTestStore(t)

	// No pre-window history: the first in-window snapshot is the baseline, so
	// only growth after it counts.
	runPassAt(t, store, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), 100, 50_000)
	runPassAt(t, store, time.Date(2025, 6, 10, 9, 5, 0, 0, time.UTC), 101, 50_200)

	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		ResetStrategy: ResetDaily,
		TokenLimit:    10_000,
	})

	r := newTestReconciler(t, store, time.Date(2025, 6, 10, 9, 10, 0, 0, time.UTC))
	status, err := r.ReconcileConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ReconcileConfig: %v", err)
	}
	if status.UsedTokens != 200 || status.UsedRequests != 1 {
		t.Errorf("used = %d tok / %d req, want 200/1", status.UsedTokens, status.UsedRequests)
	}
}

func TestManualResetAnchorsWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	runPassAt(t, store, time.Date(2025, 6, 10, 0, 30, 0, 0, time.UTC), 16, 1600)

	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		ResetStrategy: ResetDaily,
		TokenLimit:    1000,
	})

	resetAt := time.Date(2025, 6, 10, 0, 40, 0, 0, time.UTC)
	r := newTestReconciler(t, store, resetAt)
	status, err := r.ManualReset(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("ManualReset: %v", err)
	}
	if status.UsedTokens != 0 || status.Percentage != 100 {
		t.Errorf("post-reset status = %+v", status)
	}

	stored, err := store.GetConfig(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if stored.ResetAnchor == nil || !stored.ResetAnchor.Equal(resetAt) {
		t.Fatalf("reset anchor = %v, want %v", stored.ResetAnchor, resetAt)
	}

	// Usage after the anchor counts; the 1600 tokens before it do not.
	runPassAt(t, store, time.Date(2025, 6, 10, 0, 50, 0, 0, time.UTC), 17, 1700)
	r.now = func() time.Time { return time.Date(2025, 6, 10, 0, 55, 0, 0, time.UTC) }
	status, err = r.ReconcileConfig(ctx, *stored)
	if err != nil {
		t.Fatalf("ReconcileConfig: %v", err)
	}
	if status.UsedTokens != 100 || status.UsedRequests != 1 {
		t.Errorf("used after reset = %d tok / %d req, want 100/1", status.UsedTokens, status.UsedRequests)
	}
	if !status.WindowStart.Equal(resetAt) {
		t.Errorf("window start = %v, want the anchor %v", status.WindowStart, resetAt)
	}
}

func TestManualResetUnknownConfig(t *testing.T) {
	store := newTestStore(t)
	r := newTestReconciler(t, store, time.Now())
	_, err := r.ManualReset(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSumWindowDeltasTokenFalseStart(t *testing.T) {
	store := newTestStore(t)
	r := newTestReconciler(t, store, time.Now())
	cfg := RateLimitConfig{ID: 1, ModelPattern: "claude"}

	curr := map[string]TokenRequestPair{
		"claude-opus":   {Tokens: 150_000, Requests: 40},
		"claude-sonnet": {Tokens: 5_000, Requests: 10},
	}
	base := map[string]TokenRequestPair{
		"claude-sonnet": {Tokens: 4_000, Requests: 8},
	}

	tokens, requests := r.sumWindowDeltas(cfg, curr, base)
	// claude-opus first surfaced carrying its whole 150k-token history and is
	// excluded; only the sonnet growth counts.
	if tokens != 1000 || requests != 2 {
		t.Errorf("window usage = %d tok / %d req, want 1000/2", tokens, requests)
	}
}

func TestSumWindowDeltasRestart(t *testing.T) {
	store := newTestStore(t)
	r := newTestReconciler(t, store, time.Now())
	cfg := RateLimitConfig{ID: 1, ModelPattern: "gpt"}

	curr := map[string]TokenRequestPair{"gpt-4": {Tokens: 400, Requests: 3}}
	base := map[string]TokenRequestPair{"gpt-4": {Tokens: 9_000, Requests: 50}}

	tokens, requests := r.sumWindowDeltas(cfg, curr, base)
	if tokens != 400 || requests != 3 {
		t.Errorf("restart usage = %d tok / %d req, want 400/3", tokens, requests)
	}
}

func TestInterpolateBaselineClipsRatio(t *testing.T) {
	base := map[string]TokenRequestPair{"gpt-4": {Tokens: 1000, Requests: 10}}
	inner := map[string]TokenRequestPair{"gpt-4": {Tokens: 2000, Requests: 20}}
	baseTime := time.Date(2025, 6, 10, 1, 0, 0, 0, time.UTC)
	innerTime := baseTime.Add(time.Hour)

	// Window start before the baseline clips to the baseline itself.
	got := interpolateBaseline(base, inner, baseTime, innerTime, baseTime.Add(-time.Hour))
	if got["gpt-4"].Tokens != 1000 {
		t.Errorf("ratio<0 baseline tokens = %d, want 1000", got["gpt-4"].Tokens)
	}

	// Window start after the inner snapshot clips to the inner values.
	got = interpolateBaseline(base, inner, baseTime, innerTime, innerTime.Add(time.Hour))
	if got["gpt-4"].Tokens != 2000 {
		t.Errorf("ratio>1 baseline tokens = %d, want 2000", got["gpt-4"].Tokens)
	}
}

func TestBuildStatusRequestLimitOnly(t *testing.T) {
	cfg := RateLimitConfig{ID: 7, RequestLimit: 200}
	now := time.Now().UTC()
	status := buildStatus(cfg, 0, 150, now, now.Add(time.Hour), now)
	if status.RemainingRequests != 50 || status.Percentage != 25 {
		t.Errorf("remaining=%d pct=%d, want 50/25", status.RemainingRequests, status.Percentage)
	}
	if status.StatusLabel != "150 / 200 requests used" {
		t.Errorf("label = %q", status.StatusLabel)
	}
}

func TestBuildStatusOverLimitClamps(t *testing.T) {
	cfg := RateLimitConfig{ID: 7, TokenLimit: 100}
	now := time.Now().UTC()
	status := buildStatus(cfg, 250, 0, now, now.Add(time.Hour), now)
	if status.RemainingTokens != 0 || status.Percentage != 0 {
		t.Errorf("remaining=%d pct=%d, want 0/0", status.RemainingTokens, status.Percentage)
	}
}

func TestRunPassWritesStatuses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	runPassAt(t, store, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), 5, 500)
	cfg := mustCreateConfig(t, store, RateLimitConfig{
		ModelPattern:  "gpt",
		ResetStrategy: ResetDaily,
		TokenLimit:    1000,
	})

	r := newTestReconciler(t, store, time.Date(2025, 6, 10, 9, 5, 0, 0, time.UTC))
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	status, err := store.GetStatus(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status == nil {
		t.Fatal("expected a persisted status")
	}
}
