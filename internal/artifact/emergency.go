package artifact

// EmergencyModel is the last-resort model when selection yields nothing.
const EmergencyModel = "deepseek/deepseek-chat"

// Emergency synthesizes the hard-coded last-resort artifact used when no
// remote or cached artifact is available. Its values are deterministic so
// degraded-mode routing behaves the same everywhere.
func Emergency() *Artifact {
	models := []string{
		"qwen/qwen-2.5-coder-32b-instruct",
		"deepseek/deepseek-chat",
		"openai/gpt-5",
		"anthropic/claude-sonnet-4",
		"anthropic/claude-opus-4",
		"google/gemini-2.5-pro",
	}

	const k = 4
	qhat := make(map[string][]float64, len(models))
	chat := make(map[string]float64, len(models))

	// Flat per-cluster qualities and coarse cost ordering. These are not
	// learned values; they only need a sane relative ordering.
	quality := map[string]float64{
		"qwen/qwen-2.5-coder-32b-instruct": 0.60,
		"deepseek/deepseek-chat":           0.62,
		"openai/gpt-5":                     0.85,
		"anthropic/claude-sonnet-4":        0.82,
		"anthropic/claude-opus-4":          0.90,
		"google/gemini-2.5-pro":            0.84,
	}
	cost := map[string]float64{
		"qwen/qwen-2.5-coder-32b-instruct": 0.05,
		"deepseek/deepseek-chat":           0.06,
		"openai/gpt-5":                     0.55,
		"anthropic/claude-sonnet-4":        0.45,
		"anthropic/claude-opus-4":          0.85,
		"google/gemini-2.5-pro":            0.40,
	}

	for _, m := range models {
		scores := make([]float64, k)
		for i := range scores {
			scores[i] = quality[m]
		}
		qhat[m] = scores
		chat[m] = cost[m]
	}

	return &Artifact{
		Version: "emergency",
		Alpha:   0.7,
		Thresholds: Thresholds{
			Cheap: 0.6,
			Hard:  0.4,
		},
		Penalties: Penalties{
			LatencySD:    0.02,
			CtxOver80Pct: 0.05,
		},
		Qhat: qhat,
		Chat: chat,
		GBDT: GBDTHandle{
			Framework:     "emergency",
			FeatureSchema: []string{"token_count", "has_code", "has_math", "ngram_entropy", "context_ratio"},
		},
		CentroidVectors: nil,
	}
}
