package triage

// EmergencyScorer is the terminal fallback framework: a hand-tuned rule set
// that emits a one-hot probability vector.
//
//	hard  if tokens > 100000 or (has_code and has_math)
//	cheap if tokens < 1000 and not has_code and not has_math
//	mid   otherwise
type EmergencyScorer struct{}

var emergencySchema = []string{"token_count", "has_code", "has_math", "ngram_entropy", "context_ratio"}

// Schema returns the rule set's feature order.
func (EmergencyScorer) Schema() []string { return emergencySchema }

// Score applies the rules. The output is already a probability vector; the
// classifier does not softmax it again.
func (EmergencyScorer) Score(vec []float64) ([3]float64, error) {
	tokens := vec[0]
	hasCode := vec[1] >= 0.5
	hasMath := vec[2] >= 0.5

	switch {
	case tokens > 100000 || (hasCode && hasMath):
		return [3]float64{0, 0, 1}, nil
	case tokens < 1000 && !hasCode && !hasMath:
		return [3]float64{1, 0, 0}, nil
	default:
		return [3]float64{0, 1, 0}, nil
	}
}
