// Package metering owns the snapshot-to-delta accounting pipeline and the
// rate-limit reconciliation that consumes it.
package metering

import (
	"errors"
	"time"
)

// Error kinds surfaced to the scheduler.
var (
	// ErrPersistence marks store write failures; the pass aborts
	// transactionally and the next tick retries.
	ErrPersistence = errors.New("metering: persistence failure")
	// ErrInvariant marks an internal accounting assertion failure; nothing
	// is written and the process keeps running.
	ErrInvariant = errors.New("metering: invariant violation")
	// ErrNotFound marks lookups of configs that do not exist.
	ErrNotFound = errors.New("metering: not found")
)

// Snapshot is one observation of upstream cumulative counters. Append-only;
// only cumulative_cost_usd is finalised once, right after the model rows are
// written in the same transaction.
type Snapshot struct {
	ID                int64
	CapturedAt        time.Time
	RawPayload        string
	TotalRequests     int64
	SuccessCount      int64
	FailureCount      int64
	TotalTokens       int64
	CumulativeCostUSD float64
}

// ModelUsageRow is the per-(snapshot, endpoint, model) breakdown of a
// snapshot. CapturedAt duplicates the snapshot timestamp so time-range
// queries stay on one indexed column.
type ModelUsageRow struct {
	ID               int64
	SnapshotID       int64
	APIEndpoint      string
	ModelName        string
	RequestCount     int64
	InputTokens      int64
	OutputTokens     int64
	TotalTokens      int64
	EstimatedCostUSD float64
	CapturedAt       time.Time
}

// DailyAggregate is one row per local calendar date. The top-level totals are
// recomputed from the breakdown on every write, so the row is internally
// consistent by construction.
type DailyAggregate struct {
	Date          string
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalTokens   int64
	TotalCostUSD  float64
	Breakdown     Breakdown
	UpdatedAt     time.Time
}

type ResetStrategy string

const (
	ResetDaily   ResetStrategy = "daily"
	ResetWeekly  ResetStrategy = "weekly"
	ResetRolling ResetStrategy = "rolling"
)

func (s ResetStrategy) Valid() bool {
	switch s {
	case ResetDaily, ResetWeekly, ResetRolling:
		return true
	}
	return false
}

// RateLimitConfig is a declarative budget over models matching ModelPattern
// (case-insensitive substring). Zero limits make the config informational.
type RateLimitConfig struct {
	ID            int64
	ModelPattern  string
	WindowMinutes int
	ResetStrategy ResetStrategy
	TokenLimit    int64
	RequestLimit  int64
	ResetAnchor   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RateLimitStatus is the derived one-to-one companion of a RateLimitConfig,
// replaced whole-row on every reconciler pass.
type RateLimitStatus struct {
	ConfigID          int64
	UsedTokens        int64
	UsedRequests      int64
	RemainingTokens   int64
	RemainingRequests int64
	Percentage        int
	StatusLabel       string
	WindowStart       time.Time
	NextReset         time.Time
	LastUpdated       time.Time
}
