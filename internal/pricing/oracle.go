// Package pricing resolves per-model token prices and computes USD costs.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one row of the price table, USD per million tokens.
type Entry struct {
	ID     string  `json:"id"`
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Vendor string  `json:"vendor"`
}

type priceTable struct {
	Prices []Entry `json:"prices"`
}

const (
	tableTTL     = time.Hour
	fetchTimeout = 30 * time.Second
	defaultKey   = "_default"
)

// PriceFunc is the contract the delta engine consumes.
type PriceFunc func(model string, inputTokens, outputTokens int64) float64

// Oracle serves prices from, in order of precedence: the local override file,
// the remote table (TTL-cached), and the built-in defaults.
type Oracle struct {
	remoteURL  string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	remote    []Entry
	fetchedAt time.Time
	overrides []Entry
}

func NewOracle(remoteURL string, logger zerolog.Logger) *Oracle {
	return &Oracle{
		remoteURL:  strings.TrimSpace(remoteURL),
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     logger.With().Str("component", "pricing").Logger(),
		now:        time.Now,
	}
}

// Price computes the USD cost of a call. Never fails: on a stale or missing
// table it falls back through cached entries to the built-in defaults.
func (o *Oracle) Price(model string, inputTokens, outputTokens int64) float64 {
	entry := o.lookup(model)
	return float64(inputTokens)/1_000_000*entry.Input + float64(outputTokens)/1_000_000*entry.Output
}

func (o *Oracle) lookup(model string) Entry {
	o.refreshIfStale()

	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, entries := range [][]Entry{o.overrides, o.remote, defaultEntries} {
		if entry, ok := match(entries, model); ok {
			return entry
		}
	}
	// defaultEntries always carries _default, so this is unreachable unless
	// the table literal is edited; keep a sane floor anyway.
	return Entry{ID: defaultKey, Input: 1.0, Output: 3.0}
}

// match finds the first entry whose id matches the model by case-insensitive
// substring in either direction, else the table's _default row.
func match(entries []Entry, model string) (Entry, bool) {
	needle := strings.ToLower(strings.TrimSpace(model))
	if needle == "" {
		return Entry{}, false
	}
	var fallback *Entry
	for i, entry := range entries {
		id := strings.ToLower(entry.ID)
		if id == defaultKey {
			if fallback == nil {
				fallback = &entries[i]
			}
			continue
		}
		if strings.Contains(needle, id) || strings.Contains(id, needle) {
			return entry, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Entry{}, false
}

func (o *Oracle) refreshIfStale() {
	if o.remoteURL == "" {
		return
	}
	o.mu.RLock()
	fresh := len(o.remote) > 0 && o.now().Sub(o.fetchedAt) < tableTTL
	o.mu.RUnlock()
	if fresh {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	entries, err := o.fetchRemote(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		// Keep serving the last good table; just push the retry out so a
		// flapping pricing endpoint is not hammered every lookup.
		o.fetchedAt = o.now().Add(-tableTTL + time.Minute)
		o.logger.Warn().Str("event", "pricing_fetch_failed").Err(err).Msg("using cached/default prices")
		return
	}
	o.remote = entries
	o.fetchedAt = o.now()
	o.logger.Info().Str("event", "pricing_table_refreshed").Int("entries", len(entries)).Msg("")
}

func (o *Oracle) fetchRemote(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.remoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("pricing: build request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing: fetch table: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("pricing: status %d fetching table", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("pricing: read table: %w", err)
	}

	var table priceTable
	if err := json.Unmarshal(body, &table); err != nil {
		return nil, fmt.Errorf("pricing: decode table: %w", err)
	}
	if len(table.Prices) == 0 {
		return nil, fmt.Errorf("pricing: empty table")
	}
	return table.Prices, nil
}

// LoadOverrides replaces the override entries from a local JSON file with the
// same shape as the remote table. An empty path clears the overrides.
func (o *Oracle) LoadOverrides(path string) error {
	if strings.TrimSpace(path) == "" {
		o.mu.Lock()
		o.overrides = nil
		o.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricing: read overrides: %w", err)
	}
	var table priceTable
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("pricing: decode overrides %s: %w", path, err)
	}

	o.mu.Lock()
	o.overrides = table.Prices
	o.mu.Unlock()
	o.logger.Info().Str("event", "pricing_overrides_loaded").Str("path", path).Int("entries", len(table.Prices)).Msg("")
	return nil
}
