// Package features derives the per-request feature vector used by triage
// and selection. Extraction runs under a soft deadline and always returns
// well-formed features; total failure degrades to deterministic fallbacks.
package features

import (
	"context"
	"log"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// NominalContextWindow is the reference window the context ratio is
// computed against.
const NominalContextWindow = 128000

// NeutralEntropy is reported when the entropy pass is skipped.
const NeutralEntropy = 4.0

// DefaultDeadline is the soft extraction budget.
const DefaultDeadline = 25 * time.Millisecond

var (
	fencedCodeRe = regexp.MustCompile("```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
	keywordRe    = regexp.MustCompile(`\b(func|def|class|import|return|const|var|public|private|lambda|struct|impl|fn)\b`)
	latexBlockRe = regexp.MustCompile(`\$\$[^$]+\$\$`)
	latexSpanRe  = regexp.MustCompile(`\$[^$\n]+\$`)
)

// Extractor derives RequestFeatures from a chat request.
type Extractor struct {
	embedder Embedder
	index    Index
	deadline time.Duration
	logger   *log.Logger

	// TimeoutCount increments when the deadline forced fallback features.
	onTimeout func()
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithDeadline overrides the soft extraction deadline.
func WithDeadline(d time.Duration) Option {
	return func(e *Extractor) { e.deadline = d }
}

// WithTimeoutHook registers a counter callback fired on deadline fallback.
func WithTimeoutHook(fn func()) Option {
	return func(e *Extractor) { e.onTimeout = fn }
}

// NewExtractor builds an extractor over an embedding service and an ANN
// index. Either may be nil; the extractor degrades accordingly.
func NewExtractor(embedder Embedder, index Index, opts ...Option) *Extractor {
	e := &Extractor{
		embedder: embedder,
		index:    index,
		deadline: DefaultDeadline,
		logger:   log.New(log.Writer(), "[FEATURES] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract derives features for the request under the soft deadline. It never
// returns an error: on deadline or collaborator failure the returned value
// carries fallback embedding/cluster fields with heuristic flags still
// populated from the text scan, and Degraded set.
func (e *Extractor) Extract(ctx context.Context, req *core.Request, art *artifact.Artifact) *core.RequestFeatures {
	prompt := joinMessages(req)

	f := &core.RequestFeatures{
		TokenCount: estimateTokens(prompt),
		HasCode:    detectCode(prompt),
		HasMath:    detectMath(prompt),
		Distances:  []float64{1.0},
	}
	f.ContextRatio = math.Min(1, float64(f.TokenCount)/NominalContextWindow)
	f.NgramEntropy = ngramEntropy(prompt)

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	type embedResult struct {
		vec []float64
		err error
	}
	ch := make(chan embedResult, 1)
	go func() {
		if e.embedder == nil {
			ch <- embedResult{err: context.Canceled}
			return
		}
		vec, err := e.embedder.Embed(ctx, prompt)
		ch <- embedResult{vec: vec, err: err}
	}()

	select {
	case <-ctx.Done():
		e.fallback(f)
		return f
	case res := <-ch:
		if res.err != nil || len(res.vec) == 0 {
			e.fallback(f)
			return f
		}
		f.Embedding = res.vec
	}

	if e.index == nil {
		f.ClusterID = 0
		f.Degraded = true
		return f
	}
	ids, dists, err := e.index.Nearest(ctx, f.Embedding, topCentroids)
	if err != nil || len(ids) == 0 {
		// Partial failure: embedding OK, ANN failed.
		f.ClusterID = 0
		f.Degraded = true
		return f
	}
	f.ClusterID = ids[0]
	f.Distances = dists

	// Cluster ids must lie in [0,K); clamp defensively against a stale index.
	if k := art.K(); k > 0 && f.ClusterID >= k {
		f.ClusterID = 0
	}
	return f
}

// fallback fills the degraded embedding/cluster fields. Heuristic fields
// are already populated from the text scan.
func (e *Extractor) fallback(f *core.RequestFeatures) {
	f.Embedding = make([]float64, EmbeddingDim)
	f.ClusterID = 0
	f.Distances = []float64{1.0}
	f.NgramEntropy = NeutralEntropy
	f.Degraded = true
	if e.onTimeout != nil {
		e.onTimeout()
	}
}

// topCentroids is how many nearest-centroid distances are reported.
const topCentroids = 5

func joinMessages(req *core.Request) string {
	if req == nil || len(req.Messages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// estimateTokens approximates token count as ceil(len/4).
func estimateTokens(prompt string) int {
	if prompt == "" {
		return 0
	}
	return (len(prompt) + 3) / 4
}

func detectCode(prompt string) bool {
	return fencedCodeRe.MatchString(prompt) ||
		inlineCodeRe.MatchString(prompt) ||
		keywordRe.MatchString(prompt)
}

func detectMath(prompt string) bool {
	if latexBlockRe.MatchString(prompt) || latexSpanRe.MatchString(prompt) {
		return true
	}
	for _, r := range prompt {
		// Mathematical operators and letterlike math symbols.
		if (r >= 0x2200 && r <= 0x22FF) || (r >= 0x2190 && r <= 0x21FF) || r == 0x221E {
			return true
		}
	}
	return false
}

// ngramEntropy computes the Shannon entropy (bits) of the character 3-gram
// frequency distribution.
func ngramEntropy(prompt string) float64 {
	runes := []rune(prompt)
	if len(runes) < 3 {
		return 0
	}
	counts := make(map[string]int)
	total := 0
	for i := 0; i+3 <= len(runes); i++ {
		counts[string(runes[i:i+3])]++
		total++
	}
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
