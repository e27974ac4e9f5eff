package metering

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/samber/lo"
)

// Breakdown is the structured per-day document stored alongside the scalar
// totals of a DailyAggregate: one map keyed by model, one keyed by endpoint
// with a nested per-model split.
type Breakdown struct {
	Models    map[string]ModelTotals    `json:"models"`
	Endpoints map[string]EndpointTotals `json:"endpoints"`
}

type ModelTotals struct {
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	CostUSD      float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

type EndpointTotals struct {
	Requests int64                          `json:"requests"`
	Tokens   int64                          `json:"tokens"`
	CostUSD  float64                        `json:"cost"`
	Models   map[string]EndpointModelTotals `json:"models"`
}

type EndpointModelTotals struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost"`
}

func NewBreakdown() Breakdown {
	return Breakdown{
		Models:    map[string]ModelTotals{},
		Endpoints: map[string]EndpointTotals{},
	}
}

func (b Breakdown) IsEmpty() bool {
	return len(b.Models) == 0 && len(b.Endpoints) == 0
}

// AddModel folds one per-key delta into both maps.
func (b Breakdown) AddModel(endpoint, model string, requests, tokens, inputTokens, outputTokens int64, costUSD float64) {
	mt := b.Models[model]
	mt.Requests += requests
	mt.Tokens += tokens
	mt.CostUSD += costUSD
	mt.InputTokens += inputTokens
	mt.OutputTokens += outputTokens
	b.Models[model] = mt

	et, ok := b.Endpoints[endpoint]
	if !ok {
		et = EndpointTotals{Models: map[string]EndpointModelTotals{}}
	}
	if et.Models == nil {
		et.Models = map[string]EndpointModelTotals{}
	}
	et.Requests += requests
	et.Tokens += tokens
	et.CostUSD += costUSD

	emt := et.Models[model]
	emt.Requests += requests
	emt.Tokens += tokens
	emt.CostUSD += costUSD
	et.Models[model] = emt

	b.Endpoints[endpoint] = et
}

// Merge returns a new breakdown with every leaf of other summed into b.
func (b Breakdown) Merge(other Breakdown) Breakdown {
	merged := NewBreakdown()
	for _, src := range []Breakdown{b, other} {
		for model, mt := range src.Models {
			agg := merged.Models[model]
			agg.Requests += mt.Requests
			agg.Tokens += mt.Tokens
			agg.CostUSD += mt.CostUSD
			agg.InputTokens += mt.InputTokens
			agg.OutputTokens += mt.OutputTokens
			merged.Models[model] = agg
		}
		for endpoint, et := range src.Endpoints {
			agg, ok := merged.Endpoints[endpoint]
			if !ok {
				agg = EndpointTotals{Models: map[string]EndpointModelTotals{}}
			}
			agg.Requests += et.Requests
			agg.Tokens += et.Tokens
			agg.CostUSD += et.CostUSD
			for model, emt := range et.Models {
				sub := agg.Models[model]
				sub.Requests += emt.Requests
				sub.Tokens += emt.Tokens
				sub.CostUSD += emt.CostUSD
				agg.Models[model] = sub
			}
			merged.Endpoints[endpoint] = agg
		}
	}
	return merged
}

// ModelSums returns the scalar totals reproduced from the model map. These
// are the authoritative numbers for the aggregate row.
func (b Breakdown) ModelSums() (requests, tokens int64, costUSD float64) {
	models := lo.Values(b.Models)
	requests = lo.SumBy(models, func(m ModelTotals) int64 { return m.Requests })
	tokens = lo.SumBy(models, func(m ModelTotals) int64 { return m.Tokens })
	costUSD = lo.SumBy(models, func(m ModelTotals) float64 { return m.CostUSD })
	return requests, tokens, costUSD
}

// ConsistentWith reports whether the given totals match the model map within
// tolerance. Used as the self-heal assertion before a daily write.
func (b Breakdown) ConsistentWith(requests, tokens int64, costUSD float64) bool {
	sumReq, sumTok, sumCost := b.ModelSums()
	return sumReq == requests && sumTok == tokens && math.Abs(sumCost-costUSD) < 1e-9
}

func encodeBreakdown(b Breakdown) (string, error) {
	if b.Models == nil {
		b.Models = map[string]ModelTotals{}
	}
	if b.Endpoints == nil {
		b.Endpoints = map[string]EndpointTotals{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode breakdown: %w", err)
	}
	return string(data), nil
}

func decodeBreakdown(raw string) (Breakdown, error) {
	b := NewBreakdown()
	if raw == "" {
		return b, nil
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return NewBreakdown(), fmt.Errorf("decode breakdown: %w", err)
	}
	if b.Models == nil {
		b.Models = map[string]ModelTotals{}
	}
	if b.Endpoints == nil {
		b.Endpoints = map[string]EndpointTotals{}
	}
	return b, nil
}
