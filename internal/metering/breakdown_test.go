package metering

import (
	"math"
	"testing"
)

func TestBreakdownAddModel(t *testing.T) {
	b := NewBreakdown()
	b.AddModel("claude", "gpt-4", 5, 1200, 1000, 200, 0.042)
	b.AddModel("claude", "gpt-4", 3, 800, 700, 100, 0.03)
	b.AddModel("gemini", "gpt-4", 1, 100, 80, 20, 0.01)

	mt := b.Models["gpt-4"]
	if mt.Requests != 9 || mt.Tokens != 2100 {
		t.Errorf("model totals = %+v", mt)
	}
	if mt.InputTokens != 1780 || mt.OutputTokens != 320 {
		t.Errorf("model token split = %+v", mt)
	}

	et := b.Endpoints["claude"]
	if et.Requests != 8 || et.Models["gpt-4"].Requests != 8 {
		t.Errorf("endpoint totals = %+v", et)
	}
	if b.Endpoints["gemini"].Requests != 1 {
		t.Errorf("gemini endpoint = %+v", b.Endpoints["gemini"])
	}
}

func TestBreakdownMerge(t *testing.T) {
	a := NewBreakdown()
	a.AddModel("claude", "gpt-4", 5, 1000, 800, 200, 0.5)

	b := NewBreakdown()
	b.AddModel("claude", "gpt-4", 2, 400, 300, 100, 0.2)
	b.AddModel("claude", "claude-opus", 1, 100, 80, 20, 0.1)

	merged := a.Merge(b)
	if merged.Models["gpt-4"].Requests != 7 || merged.Models["gpt-4"].Tokens != 1400 {
		t.Errorf("merged gpt-4 = %+v", merged.Models["gpt-4"])
	}
	if merged.Endpoints["claude"].Requests != 8 {
		t.Errorf("merged endpoint = %+v", merged.Endpoints["claude"])
	}
	if merged.Endpoints["claude"].Models["claude-opus"].Requests != 1 {
		t.Errorf("merged nested model = %+v", merged.Endpoints["claude"].Models)
	}

	// Merge must not mutate its inputs.
	if a.Models["gpt-4"].Requests != 5 {
		t.Errorf("merge mutated receiver: %+v", a.Models["gpt-4"])
	}
}

func TestBreakdownSumsAndConsistency(t *testing.T) {
	b := NewBreakdown()
	b.AddModel("claude", "gpt-4", 5, 1000, 800, 200, 0.5)
	b.AddModel("claude", "claude-opus", 2, 400, 300, 100, 0.25)

	req, tok, cost := b.ModelSums()
	if req != 7 || tok != 1400 || math.Abs(cost-0.75) > 1e-9 {
		t.Errorf("sums = %d/%d/%v", req, tok, cost)
	}

	if !b.ConsistentWith(7, 1400, 0.75) {
		t.Error("matching totals reported inconsistent")
	}
	if b.ConsistentWith(6, 1400, 0.75) {
		t.Error("drifted request total reported consistent")
	}
}

func TestBreakdownCodec(t *testing.T) {
	b := NewBreakdown()
	b.AddModel("claude", "gpt-4", 5, 1000, 800, 200, 0.5)

	encoded, err := encodeBreakdown(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeBreakdown(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Models["gpt-4"].InputTokens != 800 {
		t.Errorf("decoded = %+v", decoded.Models["gpt-4"])
	}

	// Empty and legacy-empty documents decode to usable maps.
	for _, raw := range []string{"", "{}"} {
		d, err := decodeBreakdown(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if d.Models == nil || d.Endpoints == nil {
			t.Errorf("decode %q produced nil maps", raw)
		}
	}
}
