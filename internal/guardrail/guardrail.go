// Package guardrail escalates a triaged bucket when the prompt plus the
// estimated output would overflow the tier's context capacity.
package guardrail

import (
	"log"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// Limits are a bucket's input/output token capacities.
type Limits struct {
	Input  int
	Output int
}

// SafetyMargin is the fraction of a limit treated as usable.
const SafetyMargin = 0.9

// DefaultLimits per bucket.
var DefaultLimits = map[core.Bucket]Limits{
	core.BucketCheap: {Input: 32768, Output: 8192},
	core.BucketMid:   {Input: 128000, Output: 8192},
	core.BucketHard:  {Input: 1048576, Output: 8192},
}

// Result describes the guardrail's adjustment.
type Result struct {
	Bucket           core.Bucket
	Escalated        bool
	Reason           string
	RecommendedModel string
}

// ModelWindow describes an available model's input capacity, used only for
// the emergency-escalation recommendation.
type ModelWindow struct {
	Model string
	Input int
}

// Guardrail holds per-bucket capacity limits.
type Guardrail struct {
	limits map[core.Bucket]Limits
	logger *log.Logger

	onEmergency func()
}

// Option configures a Guardrail.
type Option func(*Guardrail)

// WithLimits overrides the default per-bucket limits.
func WithLimits(limits map[core.Bucket]Limits) Option {
	return func(g *Guardrail) { g.limits = limits }
}

// WithEmergencyHook registers a counter callback fired on emergency
// escalation (even hard is insufficient).
func WithEmergencyHook(fn func()) Option {
	return func(g *Guardrail) { g.onEmergency = fn }
}

// New builds a guardrail with the default limits.
func New(opts ...Option) *Guardrail {
	g := &Guardrail{
		limits: DefaultLimits,
		logger: log.New(log.Writer(), "[GUARDRAIL] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EstimateOutputTokens predicts completion size from the request shape.
// The maximum of the applicable rules wins.
func EstimateOutputTokens(f *core.RequestFeatures) int {
	est := 2048
	if f.TokenCount < 1000 {
		est = 1024
	}
	if f.TokenCount > 20000 && est < 4096 {
		est = 4096
	}
	if f.TokenCount > 50000 && est < 8192 {
		est = 8192
	}
	if f.HasCode && est < 4096 {
		est = 4096
	}
	if f.HasMath && est < 3072 {
		est = 3072
	}
	return est
}

// Adjust escalates the bucket if the prompt (or prompt plus estimated
// output) exceeds the safe limit. Escalation is one step at a time, except
// that an insufficient next step jumps directly to hard. When even hard is
// insufficient the emergency counter fires, hard is returned anyway, and
// the widest available model is recommended.
func (g *Guardrail) Adjust(bucket core.Bucket, f *core.RequestFeatures, available []ModelWindow) Result {
	estOut := EstimateOutputTokens(f)

	if g.fits(bucket, f.TokenCount, estOut) {
		return Result{Bucket: bucket}
	}

	next := nextBucket(bucket)
	if next == bucket {
		// Already hard and it does not fit: emergency escalation.
		return g.emergency(f, available)
	}

	if g.fits(next, f.TokenCount, estOut) {
		return Result{
			Bucket:    next,
			Escalated: true,
			Reason:    "context exceeds " + string(bucket) + " capacity",
		}
	}

	if g.fits(core.BucketHard, f.TokenCount, estOut) {
		return Result{
			Bucket:    core.BucketHard,
			Escalated: true,
			Reason:    "context exceeds " + string(next) + " capacity",
		}
	}

	return g.emergency(f, available)
}

func (g *Guardrail) emergency(f *core.RequestFeatures, available []ModelWindow) Result {
	if g.onEmergency != nil {
		g.onEmergency()
	}
	g.logger.Printf("🚨 Emergency escalation: %d prompt tokens exceed hard capacity", f.TokenCount)

	res := Result{
		Bucket:    core.BucketHard,
		Escalated: true,
		Reason:    "context exceeds hard capacity",
	}
	best := 0
	for _, m := range available {
		if m.Input > best {
			best = m.Input
			res.RecommendedModel = m.Model
		}
	}
	return res
}

// fits reports whether prompt and prompt+output are within the safe limit.
func (g *Guardrail) fits(bucket core.Bucket, prompt, estOut int) bool {
	lim, ok := g.limits[bucket]
	if !ok {
		return false
	}
	safeIn := int(float64(lim.Input) * SafetyMargin)
	return prompt <= safeIn && prompt+estOut <= safeIn+lim.Output
}

func nextBucket(b core.Bucket) core.Bucket {
	switch b {
	case core.BucketCheap:
		return core.BucketMid
	case core.BucketMid:
		return core.BucketHard
	default:
		return core.BucketHard
	}
}
