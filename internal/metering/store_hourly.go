package metering

import (
	"context"
	"fmt"
	"time"
)

// HourlyPoint is one hour of derived usage, differenced from the cumulative
// snapshot counters.
type HourlyPoint struct {
	Hour     string  `json:"hour"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// HourlyStats differences the last cumulative observation of each hour
// against the previous hour's, clamping at zero so upstream restarts do not
// produce negative bars.
func (s *Store) HourlyStats(ctx context.Context, hours int) ([]HourlyPoint, error) {
	if hours <= 0 {
		hours = 24
	}
	// One extra hour provides the baseline for the first requested bucket.
	since := time.Now().UTC().Truncate(time.Hour).Add(-time.Duration(hours) * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(captured_at, 1, 13) AS hour,
		       MAX(total_requests), MAX(total_tokens), MAX(cumulative_cost_usd)
		FROM snapshots
		WHERE captured_at >= ?
		GROUP BY hour
		ORDER BY hour ASC
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("metering: query hourly stats: %w", err)
	}
	defer rows.Close()

	type cumulative struct {
		hour     string
		requests int64
		tokens   int64
		cost     float64
	}
	var series []cumulative
	for rows.Next() {
		var c cumulative
		if err := rows.Scan(&c.hour, &c.requests, &c.tokens, &c.cost); err != nil {
			return nil, fmt.Errorf("metering: scan hourly stats: %w", err)
		}
		series = append(series, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]HourlyPoint, 0, len(series))
	for i, c := range series {
		point := HourlyPoint{Hour: c.hour + ":00Z"}
		if i > 0 {
			prev := series[i-1]
			point.Requests = maxInt64(0, c.requests-prev.requests)
			point.Tokens = maxInt64(0, c.tokens-prev.tokens)
			if d := c.cost - prev.cost; d > 0 {
				point.CostUSD = d
			}
			out = append(out, point)
			continue
		}
		// The oldest bucket has no baseline; it is only fetched to anchor
		// the differences unless it is the start of recorded history.
		if len(series) == 1 {
			point.Requests = c.requests
			point.Tokens = c.tokens
			point.CostUSD = c.cost
			out = append(out, point)
		}
	}
	return out, nil
}
