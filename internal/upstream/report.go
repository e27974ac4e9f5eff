package upstream

// Report is one cumulative usage observation from the management endpoint.
// All counters are totals since the proxy started, never deltas.
type Report struct {
	TotalRequests int64               `json:"total_requests"`
	SuccessCount  int64               `json:"success_count"`
	FailureCount  int64               `json:"failure_count"`
	TotalTokens   int64               `json:"total_tokens"`
	APIs          map[string]APIUsage `json:"apis"`
}

type APIUsage struct {
	Models map[string]ModelUsage `json:"models"`
}

type ModelUsage struct {
	TotalRequests int64    `json:"total_requests"`
	TotalTokens   int64    `json:"total_tokens"`
	Details       []Detail `json:"details"`
}

type Detail struct {
	Tokens TokenPair `json:"tokens"`
}

type TokenPair struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// InputOutputTokens sums the detail entries for one model.
func (m ModelUsage) InputOutputTokens() (in, out int64) {
	for _, d := range m.Details {
		in += d.Tokens.Input
		out += d.Tokens.Output
	}
	return in, out
}
