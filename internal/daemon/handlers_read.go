package daemon

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proxymeter/proxymeter/internal/metering"
)

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, rows, err := s.store.LatestSnapshotWithRows(r.Context())
	if err != nil {
		s.serverError(w, "latest_snapshot_failed", err)
		return
	}
	if snap == nil {
		writeJSONError(w, http.StatusNotFound, "no snapshots recorded yet")
		return
	}

	models := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		models = append(models, map[string]any{
			"api_endpoint":  row.APIEndpoint,
			"model":         row.ModelName,
			"requests":      row.RequestCount,
			"input_tokens":  row.InputTokens,
			"output_tokens": row.OutputTokens,
			"total_tokens":  row.TotalTokens,
			"cost_usd":      row.EstimatedCostUSD,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"captured_at":         snap.CapturedAt.Format(time.RFC3339Nano),
		"total_requests":      snap.TotalRequests,
		"success_count":       snap.SuccessCount,
		"failure_count":       snap.FailureCount,
		"total_tokens":        snap.TotalTokens,
		"cumulative_cost_usd": snap.CumulativeCostUSD,
		"models":              models,
	})
}

// Daily stats default to the last 7 local calendar dates.
func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	today := s.localToday()
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if to == "" {
		to = today
	}
	if from == "" {
		from = s.localDateDaysAgo(6)
	}
	if !validDate(from) || !validDate(to) {
		writeJSONError(w, http.StatusBadRequest, "from/to must be YYYY-MM-DD")
		return
	}

	aggs, err := s.store.DailyRange(r.Context(), from, to)
	if err != nil {
		s.serverError(w, "daily_stats_failed", err)
		return
	}

	days := make([]map[string]any, 0, len(aggs))
	for _, agg := range aggs {
		days = append(days, map[string]any{
			"date":           agg.Date,
			"total_requests": agg.TotalRequests,
			"success_count":  agg.SuccessCount,
			"failure_count":  agg.FailureCount,
			"total_tokens":   agg.TotalTokens,
			"total_cost_usd": agg.TotalCostUSD,
			"breakdown":      agg.Breakdown,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "days": days})
}

func (s *Server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours <= 0 || hours > 24*31 {
		writeJSONError(w, http.StatusBadRequest, "hours must be between 1 and 744")
		return
	}
	points, err := s.store.HourlyStats(r.Context(), hours)
	if err != nil {
		s.serverError(w, "hourly_stats_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hours": hours, "points": points})
}

func (s *Server) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.serverError(w, "store_stats_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleModelUsage folds the recent per-model rows into per-model totals,
// deltas between consecutive snapshots with the restart clamp.
func (s *Server) handleModelUsage(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours <= 0 || hours > 24*31 {
		writeJSONError(w, http.StatusBadRequest, "hours must be between 1 and 744")
		return
	}
	pattern := r.URL.Query().Get("model")

	hi := time.Now().UTC().Add(time.Minute)
	lo := hi.Add(-time.Duration(hours) * time.Hour)
	rows, err := s.store.ModelUsageRange(r.Context(), pattern, lo, hi)
	if err != nil {
		s.serverError(w, "model_usage_failed", err)
		return
	}

	totals := foldUsageRows(rows, func(row metering.ModelUsageRow) string { return row.ModelName })
	writeJSON(w, http.StatusOK, map[string]any{"hours": hours, "models": totals})
}

func (s *Server) handleEndpointUsage(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours <= 0 || hours > 24*31 {
		writeJSONError(w, http.StatusBadRequest, "hours must be between 1 and 744")
		return
	}

	hi := time.Now().UTC().Add(time.Minute)
	lo := hi.Add(-time.Duration(hours) * time.Hour)
	rows, err := s.store.ModelUsageRange(r.Context(), "", lo, hi)
	if err != nil {
		s.serverError(w, "endpoint_usage_failed", err)
		return
	}

	totals := foldUsageRows(rows, func(row metering.ModelUsageRow) string { return row.APIEndpoint })
	writeJSON(w, http.StatusOK, map[string]any{"hours": hours, "endpoints": totals})
}

// usageTotal is the delta-summed usage of one model or endpoint over a range.
type usageTotal struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// foldUsageRows differences consecutive cumulative rows per (endpoint, model)
// series grouped under keyOf, clamping negative deltas to the current value
// the way the ingest engine treats upstream restarts.
func foldUsageRows(rows []metering.ModelUsageRow, keyOf func(metering.ModelUsageRow) string) map[string]usageTotal {
	type seriesKey struct{ endpoint, model string }
	prev := map[seriesKey]metering.ModelUsageRow{}
	out := map[string]usageTotal{}

	for _, row := range rows {
		sk := seriesKey{row.APIEndpoint, row.ModelName}
		dReq, dTok, dCost := row.RequestCount, row.TotalTokens, row.EstimatedCostUSD
		if p, ok := prev[sk]; ok {
			dReq = row.RequestCount - p.RequestCount
			dTok = row.TotalTokens - p.TotalTokens
			dCost = row.EstimatedCostUSD - p.EstimatedCostUSD
			if dReq < 0 || dTok < 0 {
				dReq, dTok, dCost = row.RequestCount, row.TotalTokens, row.EstimatedCostUSD
			}
		} else {
			// First observation in range anchors the series; counting it
			// whole would attribute pre-range history to this window.
			dReq, dTok, dCost = 0, 0, 0
		}
		prev[sk] = row

		total := out[keyOf(row)]
		total.Requests += dReq
		total.Tokens += dTok
		if dCost > 0 {
			total.CostUSD += dCost
		}
		out[keyOf(row)] = total
	}
	return out
}

// --- Rate-limit config CRUD ---

type limitRequest struct {
	ModelPattern  string `json:"model_pattern"`
	WindowMinutes int    `json:"window_minutes"`
	ResetStrategy string `json:"reset_strategy"`
	TokenLimit    int64  `json:"token_limit"`
	RequestLimit  int64  `json:"request_limit"`
}

func (lr limitRequest) toConfig() (metering.RateLimitConfig, error) {
	strategy := metering.ResetStrategy(lr.ResetStrategy)
	if strategy == "" {
		strategy = metering.ResetDaily
	}
	if !strategy.Valid() {
		return metering.RateLimitConfig{}, fmt.Errorf("reset_strategy must be daily, weekly or rolling")
	}
	if lr.ModelPattern == "" {
		return metering.RateLimitConfig{}, fmt.Errorf("model_pattern is required")
	}
	if lr.TokenLimit < 0 || lr.RequestLimit < 0 {
		return metering.RateLimitConfig{}, fmt.Errorf("limits must not be negative")
	}
	return metering.RateLimitConfig{
		ModelPattern:  lr.ModelPattern,
		WindowMinutes: lr.WindowMinutes,
		ResetStrategy: strategy,
		TokenLimit:    lr.TokenLimit,
		RequestLimit:  lr.RequestLimit,
	}, nil
}

func (s *Server) handleListLimits(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListConfigs(r.Context())
	if err != nil {
		s.serverError(w, "list_limits_failed", err)
		return
	}
	statuses, err := s.store.ListStatuses(r.Context())
	if err != nil {
		s.serverError(w, "list_limits_failed", err)
		return
	}

	limits := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		entry := map[string]any{
			"id":             cfg.ID,
			"model_pattern":  cfg.ModelPattern,
			"window_minutes": cfg.WindowMinutes,
			"reset_strategy": string(cfg.ResetStrategy),
			"token_limit":    cfg.TokenLimit,
			"request_limit":  cfg.RequestLimit,
		}
		if st, ok := statuses[cfg.ID]; ok {
			entry["status"] = map[string]any{
				"used_tokens":        st.UsedTokens,
				"used_requests":      st.UsedRequests,
				"remaining_tokens":   st.RemainingTokens,
				"remaining_requests": st.RemainingRequests,
				"percentage":         st.Percentage,
				"label":              st.StatusLabel,
				"window_start":       st.WindowStart.Format(time.RFC3339),
				"next_reset":         st.NextReset.Format(time.RFC3339),
				"last_updated":       st.LastUpdated.Format(time.RFC3339),
			}
		}
		limits = append(limits, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": limits})
}

func (s *Server) handleCreateLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateConfig(r.Context(), &cfg); err != nil {
		s.serverError(w, "create_limit_failed", err)
		return
	}
	// Status appears within one reconciler pass; give callers an id now.
	writeJSON(w, http.StatusCreated, map[string]any{"id": cfg.ID})
}

func (s *Server) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	configID, err := strconv.ParseInt(chi.URLParam(r, "configID"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "config id must be an integer")
		return
	}

	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.ID = configID

	if err := s.store.UpdateConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("rate limit config %d not found", configID))
			return
		}
		s.serverError(w, "update_limit_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": configID})
}

// --- Small helpers ---

func (s *Server) serverError(w http.ResponseWriter, event string, err error) {
	s.logger.Warn().Str("event", event).Err(err).Msg("")
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) localToday() string {
	return s.localDateDaysAgo(0)
}

func (s *Server) localDateDaysAgo(days int) string {
	local := time.Now().UTC().Add(time.Duration(s.offsetHours) * time.Hour)
	return local.AddDate(0, 0, -days).Format("2006-01-02")
}

func validDate(v string) bool {
	_, err := time.Parse("2006-01-02", v)
	return err == nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
