package metering

import (
	"testing"
	"time"
)

func TestWindowBoundsDaily(t *testing.T) {
	cfg := RateLimitConfig{ResetStrategy: ResetDaily}
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	start, next := windowBounds(cfg, now, 0)
	if !start.Equal(time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !next.Equal(start.Add(24 * time.Hour)) {
		t.Errorf("next = %v", next)
	}

	// With a +7 offset, local midnight is 17:00 UTC the previous day.
	start, _ = windowBounds(cfg, now, 7)
	if !start.Equal(time.Date(2025, 3, 11, 17, 0, 0, 0, time.UTC)) {
		t.Errorf("offset start = %v", start)
	}
}

func TestWindowBoundsWeekly(t *testing.T) {
	cfg := RateLimitConfig{ResetStrategy: ResetWeekly}

	// Wednesday → the preceding Monday.
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	start, next := windowBounds(cfg, now, 0)
	if !start.Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v, want Monday", start)
	}
	if !next.Equal(start.AddDate(0, 0, 7)) {
		t.Errorf("next = %v", next)
	}

	// Sunday belongs to the week that started six days earlier.
	sunday := time.Date(2025, 3, 16, 10, 0, 0, 0, time.UTC)
	start, _ = windowBounds(cfg, sunday, 0)
	if !start.Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("sunday start = %v, want Monday 2025-03-10", start)
	}

	// 20:00 UTC Sunday with +7 offset is already local Monday.
	lateSunday := time.Date(2025, 3, 9, 20, 0, 0, 0, time.UTC)
	start, _ = windowBounds(cfg, lateSunday, 7)
	if !start.Equal(time.Date(2025, 3, 9, 17, 0, 0, 0, time.UTC)) {
		t.Errorf("offset week start = %v", start)
	}
}

func TestWindowBoundsRolling(t *testing.T) {
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	cfg := RateLimitConfig{ResetStrategy: ResetRolling, WindowMinutes: 60}
	start, next := windowBounds(cfg, now, 0)
	if !start.Equal(now.Add(-time.Hour)) {
		t.Errorf("start = %v", start)
	}
	if !next.Equal(now.Add(time.Minute)) {
		t.Errorf("next = %v, want a recency hint one minute out", next)
	}

	// Zero window minutes defaults to 24 hours.
	cfg.WindowMinutes = 0
	start, _ = windowBounds(cfg, now, 0)
	if !start.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("default rolling start = %v", start)
	}
}

func TestEffectiveWindowStart(t *testing.T) {
	natural := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	if got := effectiveWindowStart(natural, nil); !got.Equal(natural) {
		t.Errorf("nil anchor: %v", got)
	}

	inside := natural.Add(3 * time.Hour)
	if got := effectiveWindowStart(natural, &inside); !got.Equal(inside) {
		t.Errorf("anchor inside window: %v", got)
	}

	// An anchor the window has rolled past is expired.
	expired := natural.Add(-3 * time.Hour)
	if got := effectiveWindowStart(natural, &expired); !got.Equal(natural) {
		t.Errorf("expired anchor: %v", got)
	}
}

func TestLocalDate(t *testing.T) {
	at := time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC)
	if got := localDate(at, 0); got != "2025-06-10" {
		t.Errorf("localDate offset 0 = %q", got)
	}
	if got := localDate(at, 7); got != "2025-06-11" {
		t.Errorf("localDate offset 7 = %q", got)
	}
	if got := localDate(at, -21); got != "2025-06-09" {
		t.Errorf("localDate offset -21 = %q", got)
	}
}

func TestStoreTimeLayoutOrdering(t *testing.T) {
	// TEXT ordering in the store must match chronological ordering, which
	// needs fixed-width fractional seconds.
	earlier := time.Date(2025, 6, 10, 10, 0, 0, 5_000_000, time.UTC)
	later := time.Date(2025, 6, 10, 10, 0, 0, 50_000_000, time.UTC)
	if !(formatTime(earlier) < formatTime(later)) {
		t.Errorf("lexicographic order broken: %q vs %q", formatTime(earlier), formatTime(later))
	}

	round, err := parseTime(formatTime(earlier))
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if !round.Equal(earlier) {
		t.Errorf("round trip = %v, want %v", round, earlier)
	}
}
