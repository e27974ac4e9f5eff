package metering

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// --- Snapshots ---

func (s *Store) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, captured_at, raw_payload, total_requests, success_count,
		       failure_count, total_tokens, cumulative_cost_usd
		FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT 1
	`)
	return scanSnapshot(row)
}

// LatestSnapshotWithRows returns the most recent snapshot and its model rows,
// or (nil, nil) when the store is empty.
func (s *Store) LatestSnapshotWithRows(ctx context.Context) (*Snapshot, []ModelUsageRow, error) {
	snap, err := s.LatestSnapshot(ctx)
	if err != nil || snap == nil {
		return snap, nil, err
	}
	rows, err := s.ModelRowsForSnapshot(ctx, snap.ID)
	if err != nil {
		return nil, nil, err
	}
	return snap, rows, nil
}

func (s *Store) ModelRowsForSnapshot(ctx context.Context, snapshotID int64) ([]ModelUsageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, api_endpoint, model_name, request_count,
		       input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at
		FROM model_usage WHERE snapshot_id = ? ORDER BY api_endpoint, model_name
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("metering: query model rows: %w", err)
	}
	defer rows.Close()
	return collectModelRows(rows)
}

// ModelUsageRange returns rows whose capture time falls in [lo, hi), filtered
// by a case-insensitive substring pattern when non-empty.
func (s *Store) ModelUsageRange(ctx context.Context, pattern string, lo, hi time.Time) ([]ModelUsageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, api_endpoint, model_name, request_count,
		       input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at
		FROM model_usage
		WHERE model_name LIKE '%' || ? || '%'
		  AND captured_at >= ? AND captured_at < ?
		ORDER BY captured_at ASC, id ASC
	`, pattern, formatTime(lo), formatTime(hi))
	if err != nil {
		return nil, fmt.Errorf("metering: query usage range: %w", err)
	}
	defer rows.Close()
	return collectModelRows(rows)
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var captured string
	err := row.Scan(
		&snap.ID,
		&captured,
		&snap.RawPayload,
		&snap.TotalRequests,
		&snap.SuccessCount,
		&snap.FailureCount,
		&snap.TotalTokens,
		&snap.CumulativeCostUSD,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metering: scan snapshot: %w", err)
	}
	if snap.CapturedAt, err = parseTime(captured); err != nil {
		return nil, fmt.Errorf("metering: parse snapshot captured_at: %w", err)
	}
	return &snap, nil
}

func collectModelRows(rows *sql.Rows) ([]ModelUsageRow, error) {
	var out []ModelUsageRow
	for rows.Next() {
		var r ModelUsageRow
		var captured string
		if err := rows.Scan(
			&r.ID,
			&r.SnapshotID,
			&r.APIEndpoint,
			&r.ModelName,
			&r.RequestCount,
			&r.InputTokens,
			&r.OutputTokens,
			&r.TotalTokens,
			&r.EstimatedCostUSD,
			&captured,
		); err != nil {
			return nil, fmt.Errorf("metering: scan model row: %w", err)
		}
		var err error
		if r.CapturedAt, err = parseTime(captured); err != nil {
			return nil, fmt.Errorf("metering: parse model row captured_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Reconciler range probes ---

// latestRowTime finds the capture time of the most recent row matching the
// pattern, optionally strictly before a bound.
func (s *Store) latestRowTime(ctx context.Context, pattern string, before *time.Time) (*time.Time, error) {
	query := `SELECT captured_at FROM model_usage WHERE model_name LIKE '%' || ? || '%'`
	args := []any{pattern}
	if before != nil {
		query += ` AND captured_at < ?`
		args = append(args, formatTime(*before))
	}
	query += ` ORDER BY captured_at DESC LIMIT 1`
	return s.queryRowTime(ctx, query, args)
}

// earliestRowTimeAtOrAfter finds the capture time of the first row matching
// the pattern at or after the bound.
func (s *Store) earliestRowTimeAtOrAfter(ctx context.Context, pattern string, bound time.Time) (*time.Time, error) {
	query := `
		SELECT captured_at FROM model_usage
		WHERE model_name LIKE '%' || ? || '%' AND captured_at >= ?
		ORDER BY captured_at ASC LIMIT 1`
	return s.queryRowTime(ctx, query, []any{pattern, formatTime(bound)})
}

func (s *Store) queryRowTime(ctx context.Context, query string, args []any) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metering: query row time: %w", err)
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, fmt.Errorf("metering: parse row time: %w", err)
	}
	return &t, nil
}

// modelUsageAt aggregates tokens and requests per model across all rows
// captured at exactly t (one snapshot moment), matching the pattern.
func (s *Store) modelUsageAt(ctx context.Context, pattern string, t time.Time) (map[string]TokenRequestPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name, SUM(total_tokens), SUM(request_count)
		FROM model_usage
		WHERE model_name LIKE '%' || ? || '%' AND captured_at = ?
		GROUP BY model_name
	`, pattern, formatTime(t))
	if err != nil {
		return nil, fmt.Errorf("metering: query usage at %s: %w", formatTime(t), err)
	}
	defer rows.Close()

	out := map[string]TokenRequestPair{}
	for rows.Next() {
		var model string
		var pair TokenRequestPair
		if err := rows.Scan(&model, &pair.Tokens, &pair.Requests); err != nil {
			return nil, fmt.Errorf("metering: scan usage at: %w", err)
		}
		out[model] = pair
	}
	return out, rows.Err()
}

// TokenRequestPair is the per-model usage tuple the reconciler differences.
type TokenRequestPair struct {
	Tokens   int64
	Requests int64
}

// --- Daily aggregates ---

func (s *Store) DailyAggregate(ctx context.Context, date string) (*DailyAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT date, total_requests, success_count, failure_count,
		       total_tokens, total_cost_usd, breakdown, updated_at
		FROM daily_aggregates WHERE date = ?
	`, date)
	return scanDaily(row)
}

func (s *Store) DailyRange(ctx context.Context, from, to string) ([]DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total_requests, success_count, failure_count,
		       total_tokens, total_cost_usd, breakdown, updated_at
		FROM daily_aggregates WHERE date >= ? AND date <= ? ORDER BY date ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("metering: query daily range: %w", err)
	}
	defer rows.Close()

	var out []DailyAggregate
	for rows.Next() {
		agg, scanErr := scanDaily(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *agg)
	}
	return out, rows.Err()
}

// --- Rate-limit configs and statuses ---

func (s *Store) CreateConfig(ctx context.Context, cfg *RateLimitConfig) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs (
			model_pattern, window_minutes, reset_strategy,
			token_limit, request_limit, reset_anchor, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cfg.ModelPattern,
		cfg.WindowMinutes,
		string(cfg.ResetStrategy),
		cfg.TokenLimit,
		cfg.RequestLimit,
		nullableTime(cfg.ResetAnchor),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("%w: create config: %v", ErrPersistence, err)
	}
	cfg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: config id: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) UpdateConfig(ctx context.Context, cfg RateLimitConfig) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_configs SET
			model_pattern = ?, window_minutes = ?, reset_strategy = ?,
			token_limit = ?, request_limit = ?, updated_at = ?
		WHERE id = ?
	`,
		cfg.ModelPattern,
		cfg.WindowMinutes,
		string(cfg.ResetStrategy),
		cfg.TokenLimit,
		cfg.RequestLimit,
		formatTime(time.Now()),
		cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: update config %d: %v", ErrPersistence, cfg.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, id int64) (*RateLimitConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model_pattern, window_minutes, reset_strategy,
		       token_limit, request_limit, reset_anchor, created_at, updated_at
		FROM rate_limit_configs WHERE id = ?
	`, id)
	cfg, err := scanConfig(row)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]RateLimitConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_pattern, window_minutes, reset_strategy,
		       token_limit, request_limit, reset_anchor, created_at, updated_at
		FROM rate_limit_configs ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("metering: query configs: %w", err)
	}
	defer rows.Close()

	var out []RateLimitConfig
	for rows.Next() {
		cfg, scanErr := scanConfig(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// SetResetAnchor records a manual reset instant on the config. The anchor
// overrides the natural window start until the window naturally passes it.
func (s *Store) SetResetAnchor(ctx context.Context, id int64, anchor time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_configs SET reset_anchor = ?, updated_at = ? WHERE id = ?
	`, formatTime(anchor), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("%w: set reset anchor %d: %v", ErrPersistence, id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) UpsertStatus(ctx context.Context, st RateLimitStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_statuses (
			config_id, used_tokens, used_requests, remaining_tokens,
			remaining_requests, percentage, status_label, window_start,
			next_reset, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET
			used_tokens = excluded.used_tokens,
			used_requests = excluded.used_requests,
			remaining_tokens = excluded.remaining_tokens,
			remaining_requests = excluded.remaining_requests,
			percentage = excluded.percentage,
			status_label = excluded.status_label,
			window_start = excluded.window_start,
			next_reset = excluded.next_reset,
			last_updated = excluded.last_updated
	`,
		st.ConfigID,
		st.UsedTokens,
		st.UsedRequests,
		st.RemainingTokens,
		st.RemainingRequests,
		st.Percentage,
		st.StatusLabel,
		formatTime(st.WindowStart),
		formatTime(st.NextReset),
		formatTime(st.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert status %d: %v", ErrPersistence, st.ConfigID, err)
	}
	return nil
}

func (s *Store) GetStatus(ctx context.Context, configID int64) (*RateLimitStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT config_id, used_tokens, used_requests, remaining_tokens,
		       remaining_requests, percentage, status_label, window_start,
		       next_reset, last_updated
		FROM rate_limit_statuses WHERE config_id = ?
	`, configID)
	return scanStatus(row)
}

func (s *Store) ListStatuses(ctx context.Context) (map[int64]RateLimitStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT config_id, used_tokens, used_requests, remaining_tokens,
		       remaining_requests, percentage, status_label, window_start,
		       next_reset, last_updated
		FROM rate_limit_statuses
	`)
	if err != nil {
		return nil, fmt.Errorf("metering: query statuses: %w", err)
	}
	defer rows.Close()

	out := map[int64]RateLimitStatus{}
	for rows.Next() {
		st, scanErr := scanStatus(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out[st.ConfigID] = *st
	}
	return out, rows.Err()
}

func scanConfig(row rowScanner) (*RateLimitConfig, error) {
	var cfg RateLimitConfig
	var strategy, created, updated string
	var anchor sql.NullString
	err := row.Scan(
		&cfg.ID,
		&cfg.ModelPattern,
		&cfg.WindowMinutes,
		&strategy,
		&cfg.TokenLimit,
		&cfg.RequestLimit,
		&anchor,
		&created,
		&updated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metering: scan config: %w", err)
	}
	cfg.ResetStrategy = ResetStrategy(strategy)
	if anchor.Valid && anchor.String != "" {
		t, parseErr := parseTime(anchor.String)
		if parseErr != nil {
			return nil, fmt.Errorf("metering: parse reset anchor: %w", parseErr)
		}
		cfg.ResetAnchor = &t
	}
	if cfg.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("metering: parse config created_at: %w", err)
	}
	if cfg.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("metering: parse config updated_at: %w", err)
	}
	return &cfg, nil
}

func scanStatus(row rowScanner) (*RateLimitStatus, error) {
	var st RateLimitStatus
	var windowStart, nextReset, lastUpdated string
	err := row.Scan(
		&st.ConfigID,
		&st.UsedTokens,
		&st.UsedRequests,
		&st.RemainingTokens,
		&st.RemainingRequests,
		&st.Percentage,
		&st.StatusLabel,
		&windowStart,
		&nextReset,
		&lastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metering: scan status: %w", err)
	}
	if st.WindowStart, err = parseTime(windowStart); err != nil {
		return nil, fmt.Errorf("metering: parse status window_start: %w", err)
	}
	if st.NextReset, err = parseTime(nextReset); err != nil {
		return nil, fmt.Errorf("metering: parse status next_reset: %w", err)
	}
	if st.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, fmt.Errorf("metering: parse status last_updated: %w", err)
	}
	return &st, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// --- Maintenance ---

// PruneOldSnapshots removes snapshots captured before the retention horizon;
// model rows go with them via the cascade. Daily aggregates are kept.
func (s *Store) PruneOldSnapshots(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE captured_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%w: prune snapshots: %v", ErrPersistence, err)
	}
	return res.RowsAffected()
}

// StoreStats is a small operational summary for the stats endpoint.
type StoreStats struct {
	Snapshots        int64 `json:"snapshots"`
	ModelUsageRows   int64 `json:"model_usage_rows"`
	DailyAggregates  int64 `json:"daily_aggregates"`
	RateLimitConfigs int64 `json:"rate_limit_configs"`
	DBSizeBytes      int64 `json:"db_size_bytes"`
}

func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM snapshots`, &stats.Snapshots},
		{`SELECT COUNT(*) FROM model_usage`, &stats.ModelUsageRows},
		{`SELECT COUNT(*) FROM daily_aggregates`, &stats.DailyAggregates},
		{`SELECT COUNT(*) FROM rate_limit_configs`, &stats.RateLimitConfigs},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return stats, fmt.Errorf("metering: store stats: %w", err)
		}
	}
	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}
	return stats, nil
}
