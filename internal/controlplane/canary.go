package controlplane

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
)

// RolloutStatus is the lifecycle state of one canary rollout.
type RolloutStatus string

const (
	RolloutPlanning   RolloutStatus = "planning"
	RolloutRunning    RolloutStatus = "running"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutRolledBack RolloutStatus = "rolled_back"
	RolloutFailed     RolloutStatus = "failed"
)

// stagePercents are the four traffic stages of every rollout.
var stagePercents = [4]int{5, 25, 50, 100}

// ErrRolloutInProgress is returned when a second rollout is started while
// one is still running.
var ErrRolloutInProgress = errors.New("a canary rollout is already running")

// StageMetrics accumulates observed outcomes for one stage or baseline.
type StageMetrics struct {
	Samples      int     `json:"samples"`
	ErrorRate    float64 `json:"error_rate"`
	WinRate      float64 `json:"win_rate"`
	MeanCost     float64 `json:"mean_cost"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// Stage is one traffic step of a rollout.
type Stage struct {
	Percent   int          `json:"percent"`
	Metrics   StageMetrics `json:"metrics"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time,omitempty"`
	Passed    bool         `json:"passed"`

	// running accumulators, folded into Metrics on read
	errors    int
	costSum   float64
	winSum    float64
	latencies []float64
}

// Rollout is one canary deployment of a pending artifact version.
type Rollout struct {
	ID              string        `json:"id"`
	ArtifactVersion string        `json:"artifact_version"`
	StartTime       time.Time     `json:"start_time"`
	Stages          [4]Stage      `json:"stages"`
	CurrentStage    int           `json:"current_stage"`
	Baseline        StageMetrics  `json:"baseline_metrics"`
	Status          RolloutStatus `json:"status"`
	Reason          string        `json:"reason,omitempty"`
}

// CanaryConfig tunes stage progression.
type CanaryConfig struct {
	EvalInterval       time.Duration
	MinSamplesPerStage int
	MinStageDuration   time.Duration
}

func (c CanaryConfig) withDefaults() CanaryConfig {
	if c.EvalInterval <= 0 {
		c.EvalInterval = 5 * time.Minute
	}
	if c.MinSamplesPerStage <= 0 {
		c.MinSamplesPerStage = 100
	}
	if c.MinStageDuration <= 0 {
		c.MinStageDuration = 15 * time.Minute
	}
	return c
}

// CanaryController owns the rollout state machine and the request-path
// traffic split. At most one rollout runs at a time. The candidate artifact
// is held here, not in the store: baseline traffic keeps reading the store's
// current artifact, and only the canary slice sees the candidate until the
// final stage promotes it.
type CanaryController struct {
	cfg    CanaryConfig
	logger *log.Logger

	mu        sync.RWMutex
	active    *Rollout
	candidate *artifact.Artifact
	history   []*Rollout

	promote           func(a *artifact.Artifact) error
	onRollbackFailure func(r *Rollout)
	now               func() time.Time
}

// NewCanaryController builds a controller.
func NewCanaryController(cfg CanaryConfig) *CanaryController {
	return &CanaryController{
		cfg:    cfg.withDefaults(),
		logger: log.New(log.Writer(), "[CANARY] ", log.LstdFlags),
		now:    time.Now,
	}
}

// SetRollbackFailureHook registers the emergency notification callback.
func (c *CanaryController) SetRollbackFailureHook(fn func(r *Rollout)) {
	c.mu.Lock()
	c.onRollbackFailure = fn
	c.mu.Unlock()
}

// SetPromoteFunc registers the publish callback invoked when the final
// stage completes. Typically the artifact store's Publish.
func (c *CanaryController) SetPromoteFunc(fn func(a *artifact.Artifact) error) {
	c.mu.Lock()
	c.promote = fn
	c.mu.Unlock()
}

// Start begins a rollout of the candidate artifact against the given
// baseline. The store's current artifact is untouched; the candidate serves
// only the canary slice until promotion. Fails when another rollout is
// running.
func (c *CanaryController) Start(candidate *artifact.Artifact, baseline StageMetrics) (*Rollout, error) {
	if candidate == nil {
		return nil, errors.New("nil candidate artifact")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.Status == RolloutRunning {
		return nil, ErrRolloutInProgress
	}

	now := c.now()
	r := &Rollout{
		ID:              uuid.NewString(),
		ArtifactVersion: candidate.Version,
		StartTime:       now,
		Baseline:        baseline,
		Status:          RolloutRunning,
		CurrentStage:    0,
	}
	for i, pct := range stagePercents {
		r.Stages[i].Percent = pct
	}
	r.Stages[0].StartTime = now

	c.active = r
	c.candidate = candidate
	c.logger.Printf("🚀 Canary rollout %s started for artifact %s at %d%%", r.ID, candidate.Version, stagePercents[0])
	return c.snapshotLocked(r), nil
}

// ShouldRouteCanary reports whether the request id falls in the canary
// traffic slice of the current stage.
func (c *CanaryController) ShouldRouteCanary(requestID string) bool {
	return c.ArtifactFor(requestID) != nil
}

// ArtifactFor returns the candidate artifact when the request id falls in
// the canary slice of the current stage, nil otherwise. Nil means the
// caller routes on the store's current artifact.
func (c *CanaryController) ArtifactFor(requestID string) *artifact.Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.active == nil || c.active.Status != RolloutRunning || c.candidate == nil {
		return nil
	}
	pct := c.active.Stages[c.active.CurrentStage].Percent
	if !inCanarySlice(requestID, pct) {
		return nil
	}
	return c.candidate
}

func inCanarySlice(requestID string, pct int) bool {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return int(h.Sum32()%100) < pct
}

// RecordResult feeds one canary-routed request outcome into the current
// stage.
func (c *CanaryController) RecordResult(success bool, cost, latencyMs, winRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.Status != RolloutRunning {
		return
	}
	st := &c.active.Stages[c.active.CurrentStage]
	st.Metrics.Samples++
	if !success {
		st.errors++
	}
	st.costSum += cost
	st.winSum += winRate
	st.latencies = append(st.latencies, latencyMs)
	c.foldStageLocked(st)
}

func (c *CanaryController) foldStageLocked(st *Stage) {
	n := st.Metrics.Samples
	if n == 0 {
		return
	}
	st.Metrics.ErrorRate = float64(st.errors) / float64(n)
	st.Metrics.MeanCost = st.costSum / float64(n)
	st.Metrics.WinRate = st.winSum / float64(n)
	st.Metrics.P95LatencyMs = p95(st.latencies)
}

// Evaluate checks rollback triggers then progression criteria for the
// current stage. Called on the evaluation cadence.
func (c *CanaryController) Evaluate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.active
	if r == nil || r.Status != RolloutRunning {
		return
	}
	st := &r.Stages[r.CurrentStage]

	if reason := c.rollbackTrigger(r, st.Metrics); reason != "" {
		c.rollbackLocked(r, reason)
		return
	}
	if !c.stagePassedLocked(r, st) {
		return
	}

	st.Passed = true
	st.EndTime = c.now()
	if r.CurrentStage == len(r.Stages)-1 {
		if c.promote != nil && c.candidate != nil {
			if err := c.promote(c.candidate); err != nil {
				r.Status = RolloutFailed
				r.Reason = fmt.Sprintf("promotion failed: %v", err)
				c.logger.Printf("🚨 Canary promotion FAILED for rollout %s: %v", r.ID, err)
				c.archiveLocked(r)
				return
			}
		}
		r.Status = RolloutCompleted
		c.logger.Printf("✅ Canary rollout %s completed, artifact %s promoted", r.ID, r.ArtifactVersion)
		c.archiveLocked(r)
		return
	}

	r.CurrentStage++
	r.Stages[r.CurrentStage].StartTime = c.now()
	c.logger.Printf("Canary rollout %s advanced to stage %d (%d%%)", r.ID, r.CurrentStage+1, r.Stages[r.CurrentStage].Percent)
}

// stagePassedLocked applies the progression criteria.
func (c *CanaryController) stagePassedLocked(r *Rollout, st *Stage) bool {
	m := st.Metrics
	if m.Samples < c.cfg.MinSamplesPerStage {
		return false
	}
	if c.now().Sub(st.StartTime) < c.cfg.MinStageDuration {
		return false
	}
	if m.ErrorRate > 0.05 {
		return false
	}
	if m.WinRate < 0.85 || m.WinRate < r.Baseline.WinRate {
		return false
	}
	if r.Baseline.MeanCost > 0 && m.MeanCost > r.Baseline.MeanCost*1.20 {
		return false
	}
	if r.Baseline.P95LatencyMs > 0 && m.P95LatencyMs > r.Baseline.P95LatencyMs*1.15 {
		return false
	}
	return true
}

// rollbackTrigger returns a non-empty reason when any immediate-rollback
// condition holds.
func (c *CanaryController) rollbackTrigger(r *Rollout, m StageMetrics) string {
	if m.Samples == 0 {
		return ""
	}
	if m.ErrorRate > 0.10 {
		return fmt.Sprintf("error rate spike %.3f", m.ErrorRate)
	}
	if r.Baseline.P95LatencyMs > 0 && m.P95LatencyMs > r.Baseline.P95LatencyMs*1.50 {
		return fmt.Sprintf("latency increase %.0fms vs baseline %.0fms", m.P95LatencyMs, r.Baseline.P95LatencyMs)
	}
	if r.Baseline.MeanCost > 0 && m.MeanCost > r.Baseline.MeanCost*1.30 {
		return fmt.Sprintf("cost increase $%.4f vs baseline $%.4f", m.MeanCost, r.Baseline.MeanCost)
	}
	if r.Baseline.WinRate > 0 && m.WinRate < r.Baseline.WinRate-0.10 {
		return fmt.Sprintf("win rate drop %.3f vs baseline %.3f", m.WinRate, r.Baseline.WinRate)
	}
	return ""
}

// Rollback aborts the active rollout with the given reason.
func (c *CanaryController) Rollback(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.Status != RolloutRunning {
		return errors.New("no running rollout")
	}
	c.rollbackLocked(c.active, reason)
	return nil
}

func (c *CanaryController) rollbackLocked(r *Rollout, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Status = RolloutFailed
			r.Reason = fmt.Sprintf("rollback failed: %v", rec)
			c.logger.Printf("🚨 Canary rollback FAILED for %s: %v", r.ID, rec)
			if c.onRollbackFailure != nil {
				c.onRollbackFailure(r)
			}
			c.archiveLocked(r)
		}
	}()

	// The candidate was never published; dropping it returns the full
	// traffic weight to the baseline artifact still in the store.
	st := &r.Stages[r.CurrentStage]
	st.EndTime = c.now()
	r.Status = RolloutRolledBack
	r.Reason = reason
	c.logger.Printf("⚠️ Canary rollout %s rolled back, baseline restored to 100%%: %s", r.ID, reason)
	c.archiveLocked(r)
}

// archiveLocked moves a finished rollout to the history list and releases
// the candidate artifact.
func (c *CanaryController) archiveLocked(r *Rollout) {
	c.history = append(c.history, r)
	if len(c.history) > 20 {
		c.history = c.history[len(c.history)-20:]
	}
	if c.active == r {
		c.active = nil
		c.candidate = nil
	}
}

// Active returns a snapshot of the running rollout, or nil.
func (c *CanaryController) Active() *Rollout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil
	}
	return c.snapshotLocked(c.active)
}

// History returns snapshots of finished rollouts, oldest first.
func (c *CanaryController) History() []*Rollout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Rollout, 0, len(c.history))
	for _, r := range c.history {
		out = append(out, c.snapshotLocked(r))
	}
	return out
}

func (c *CanaryController) snapshotLocked(r *Rollout) *Rollout {
	cp := *r
	for i := range cp.Stages {
		cp.Stages[i].latencies = nil
	}
	return &cp
}

// Run evaluates the active rollout on the configured cadence.
func (c *CanaryController) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

func p95(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
