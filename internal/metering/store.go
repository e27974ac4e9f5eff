package metering

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the single-writer relational store. Readers run concurrently
// thanks to WAL; every mutation from the collection path happens inside one
// transaction per pass.
type Store struct {
	db   *sql.DB
	path string
}

func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metering: creating DB dir: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("metering: opening DB: %w", err)
	}
	configurePool(db)

	store := &Store{db: db, path: path}
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing handle; the caller owns pragmas and lifetime.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			captured_at TEXT NOT NULL,
			raw_payload TEXT NOT NULL DEFAULT '',
			total_requests INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cumulative_cost_usd REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_captured_at ON snapshots(captured_at DESC);`,
		`CREATE TABLE IF NOT EXISTS model_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			snapshot_id INTEGER NOT NULL,
			api_endpoint TEXT NOT NULL,
			model_name TEXT NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			captured_at TEXT NOT NULL,
			FOREIGN KEY(snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_model_usage_captured_at ON model_usage(captured_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_model_usage_model_name ON model_usage(model_name);`,
		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			date TEXT PRIMARY KEY,
			total_requests INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			breakdown TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rate_limit_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_pattern TEXT NOT NULL,
			window_minutes INTEGER NOT NULL DEFAULT 0,
			reset_strategy TEXT NOT NULL DEFAULT 'daily',
			token_limit INTEGER NOT NULL DEFAULT 0,
			request_limit INTEGER NOT NULL DEFAULT 0,
			reset_anchor TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rate_limit_statuses (
			config_id INTEGER PRIMARY KEY,
			used_tokens INTEGER NOT NULL DEFAULT 0,
			used_requests INTEGER NOT NULL DEFAULT 0,
			remaining_tokens INTEGER NOT NULL DEFAULT 0,
			remaining_requests INTEGER NOT NULL DEFAULT 0,
			percentage INTEGER NOT NULL DEFAULT 100,
			status_label TEXT NOT NULL DEFAULT '',
			window_start TEXT NOT NULL,
			next_reset TEXT NOT NULL,
			last_updated TEXT NOT NULL,
			FOREIGN KEY(config_id) REFERENCES rate_limit_configs(id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("metering: init schema: %w", err)
		}
	}
	return nil
}

// --- Transaction-scoped pass writes ---

func insertSnapshotTx(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (
			captured_at, raw_payload, total_requests, success_count,
			failure_count, total_tokens, cumulative_cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		formatTime(snap.CapturedAt),
		snap.RawPayload,
		snap.TotalRequests,
		snap.SuccessCount,
		snap.FailureCount,
		snap.TotalTokens,
		snap.CumulativeCostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("snapshot id: %w", err)
	}
	snap.ID = id
	return nil
}

func insertModelRowsTx(ctx context.Context, tx *sql.Tx, snapshotID int64, rows []ModelUsageRow) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO model_usage (
			snapshot_id, api_endpoint, model_name, request_count,
			input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare model row insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		rows[i].SnapshotID = snapshotID
		res, err := stmt.ExecContext(ctx,
			snapshotID,
			rows[i].APIEndpoint,
			rows[i].ModelName,
			rows[i].RequestCount,
			rows[i].InputTokens,
			rows[i].OutputTokens,
			rows[i].TotalTokens,
			rows[i].EstimatedCostUSD,
			formatTime(rows[i].CapturedAt),
		)
		if err != nil {
			return fmt.Errorf("insert model row %s/%s: %w", rows[i].APIEndpoint, rows[i].ModelName, err)
		}
		if id, idErr := res.LastInsertId(); idErr == nil {
			rows[i].ID = id
		}
	}
	return nil
}

func getDailyTx(ctx context.Context, tx *sql.Tx, date string) (*DailyAggregate, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT date, total_requests, success_count, failure_count,
		       total_tokens, total_cost_usd, breakdown, updated_at
		FROM daily_aggregates WHERE date = ?
	`, date)
	return scanDaily(row)
}

func upsertDailyTx(ctx context.Context, tx *sql.Tx, agg DailyAggregate) error {
	encoded, err := encodeBreakdown(agg.Breakdown)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (
			date, total_requests, success_count, failure_count,
			total_tokens, total_cost_usd, breakdown, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_requests = excluded.total_requests,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			total_tokens = excluded.total_tokens,
			total_cost_usd = excluded.total_cost_usd,
			breakdown = excluded.breakdown,
			updated_at = excluded.updated_at
	`,
		agg.Date,
		agg.TotalRequests,
		agg.SuccessCount,
		agg.FailureCount,
		agg.TotalTokens,
		agg.TotalCostUSD,
		encoded,
		formatTime(agg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert daily aggregate %s: %w", agg.Date, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDaily(row rowScanner) (*DailyAggregate, error) {
	var agg DailyAggregate
	var rawBreakdown, rawUpdated string
	err := row.Scan(
		&agg.Date,
		&agg.TotalRequests,
		&agg.SuccessCount,
		&agg.FailureCount,
		&agg.TotalTokens,
		&agg.TotalCostUSD,
		&rawBreakdown,
		&rawUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan daily aggregate: %w", err)
	}
	if agg.Breakdown, err = decodeBreakdown(rawBreakdown); err != nil {
		return nil, err
	}
	if agg.UpdatedAt, err = parseTime(rawUpdated); err != nil {
		return nil, fmt.Errorf("parse daily updated_at: %w", err)
	}
	return &agg, nil
}
