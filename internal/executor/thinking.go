package executor

import (
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// Provider-documented absolute thinking budget range for Gemini.
const (
	geminiBudgetMin = 128
	geminiBudgetMax = 32768

	geminiMidDefault  = 6000
	geminiMidMin      = 4000
	geminiMidMax      = 8000
	geminiHardDefault = 20000
	geminiHardMin     = 16000
	geminiHardMax     = 32000

	longContextTokens = 200000
)

// ApplyThinkingParams fills tier-appropriate thinking parameters into the
// decision's parameter bag. Explicitly set values are never overwritten.
func ApplyThinkingParams(d *core.Decision, bucket core.Bucket, tokenCount int) {
	if d.Params == nil {
		d.Params = make(map[string]any)
	}
	switch d.Kind {
	case core.ProviderOpenAI:
		if _, ok := d.Params["reasoning_effort"]; ok {
			return
		}
		d.Params["reasoning_effort"] = reasoningEffort(bucket)
	case core.ProviderGoogle:
		if _, ok := d.Params["thinking_budget"]; ok {
			return
		}
		if budget := thinkingBudget(bucket, tokenCount); budget > 0 {
			d.Params["thinking_budget"] = budget
		}
	}
}

func reasoningEffort(bucket core.Bucket) string {
	switch bucket {
	case core.BucketHard:
		return "high"
	case core.BucketMid:
		return "medium"
	default:
		return "low"
	}
}

// thinkingBudget returns the Gemini thinking budget for the bucket, or 0 when
// the bucket carries no thinking allocation. Long-context requests saturate
// to the hard maximum.
func thinkingBudget(bucket core.Bucket, tokenCount int) int {
	var budget int
	switch bucket {
	case core.BucketMid:
		budget = geminiMidDefault
		budget = clampInt(budget, geminiMidMin, geminiMidMax)
	case core.BucketHard:
		budget = geminiHardDefault
		if tokenCount > longContextTokens {
			budget = geminiBudgetMax
		} else {
			budget = clampInt(budget, geminiHardMin, geminiHardMax)
		}
	default:
		return 0
	}
	return clampInt(budget, geminiBudgetMin, geminiBudgetMax)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
