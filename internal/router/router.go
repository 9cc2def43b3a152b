// Package router runs the decision pipeline: features, triage, guardrail,
// selection, and decision assembly.
package router

import (
	"context"
	"hash/fnv"
	"log"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/config"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
	"github.com/sibyllinesoft/heimdall-sub002/internal/executor"
	"github.com/sibyllinesoft/heimdall-sub002/internal/features"
	"github.com/sibyllinesoft/heimdall-sub002/internal/guardrail"
	"github.com/sibyllinesoft/heimdall-sub002/internal/selector"
	"github.com/sibyllinesoft/heimdall-sub002/internal/triage"
)

// Outcome is the full decision trace for one request.
type Outcome struct {
	Features      *core.RequestFeatures
	Probabilities core.BucketProbabilities
	Bucket        core.Bucket
	Escalated     bool
	EscalationWhy string
	Decision      *core.Decision
	Artifact      *artifact.Artifact
}

// Router wires the pipeline stages together.
type Router struct {
	store      *artifact.Store
	extractor  *features.Extractor
	classifier *triage.Classifier
	guard      *guardrail.Guardrail
	selector   *selector.Selector
	candidates *config.Config
	logger     *log.Logger
}

// New builds a router over the pipeline stages.
func New(store *artifact.Store, ex *features.Extractor, cl *triage.Classifier, g *guardrail.Guardrail, sel *selector.Selector, cfg *config.Config) *Router {
	return &Router{
		store:      store,
		extractor:  ex,
		classifier: cl,
		guard:      g,
		selector:   sel,
		candidates: cfg,
		logger:     log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Decide runs the pipeline for one request using the store's current
// artifact and returns the routing decision.
func (r *Router) Decide(ctx context.Context, req *core.Request, auth *core.AuthInfo, prefs core.ProviderPrefs) *Outcome {
	return r.DecideWith(ctx, req, auth, prefs, nil)
}

// DecideWith runs the pipeline with an explicit artifact. The canary
// splitter uses it to serve the candidate policy to its traffic slice while
// baseline traffic keeps reading the store. A nil artifact falls through to
// the store's current one.
func (r *Router) DecideWith(ctx context.Context, req *core.Request, auth *core.AuthInfo, prefs core.ProviderPrefs, art *artifact.Artifact) *Outcome {
	if art == nil {
		art = r.store.Current()
	}
	if art == nil {
		art = artifact.Emergency()
	}

	f := r.extractor.Extract(ctx, req, art)
	probs := r.classifier.Predict(f, art)
	bucket := bucketFromProbabilities(probs, art.Thresholds)

	adjusted := r.guard.Adjust(bucket, f, r.modelWindows())
	outcome := &Outcome{
		Features:      f,
		Probabilities: probs,
		Bucket:        adjusted.Bucket,
		Escalated:     adjusted.Escalated,
		EscalationWhy: adjusted.Reason,
		Artifact:      art,
	}

	candidates := r.candidates.CandidatesFor(adjusted.Bucket)
	seed := selectionSeed(req)
	model := r.selector.Select(candidates, f, art, seed)
	if model == "" && adjusted.RecommendedModel != "" {
		model = adjusted.RecommendedModel
	}
	if model == "" {
		model = artifact.EmergencyModel
	}

	decision := &core.Decision{
		Kind:      core.InferProviderKind(model),
		Model:     model,
		Auth:      auth,
		Prefs:     prefs,
		Fallbacks: r.selector.Fallbacks(model, candidates, f, art),
		Params:    make(map[string]any),
	}
	executor.ApplyThinkingParams(decision, adjusted.Bucket, f.TokenCount)

	outcome.Decision = decision
	return outcome
}

// bucketFromProbabilities applies the artifact thresholds: cheap when its
// probability clears the cheap threshold, hard when it clears the hard
// threshold, mid otherwise. Cheap wins ties by check order.
func bucketFromProbabilities(p core.BucketProbabilities, t artifact.Thresholds) core.Bucket {
	if p.Cheap >= t.Cheap {
		return core.BucketCheap
	}
	if p.Hard >= t.Hard {
		return core.BucketHard
	}
	return core.BucketMid
}

// modelWindows describes every configured candidate's context capacity for
// the guardrail's emergency recommendation.
func (r *Router) modelWindows() []guardrail.ModelWindow {
	seen := make(map[string]bool)
	var out []guardrail.ModelWindow
	for _, bucket := range []core.Bucket{core.BucketCheap, core.BucketMid, core.BucketHard} {
		limits := guardrail.DefaultLimits[bucket]
		for _, m := range r.candidates.CandidatesFor(bucket) {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, guardrail.ModelWindow{Model: m, Input: limits.Input})
		}
	}
	return out
}

// selectionSeed derives a stable per-request seed for exploration.
func selectionSeed(req *core.Request) int64 {
	h := fnv.New64a()
	for _, m := range req.Messages {
		h.Write([]byte(m.Content))
	}
	h.Write([]byte(req.Model))
	return int64(h.Sum64())
}
