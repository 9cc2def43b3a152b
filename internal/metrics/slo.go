package metrics

import (
	"fmt"
	"time"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// SLOThresholds are the service-level objectives the router is held to.
type SLOThresholds struct {
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	MisfireRate     float64 `json:"misfire_rate"`
	Uptime          float64 `json:"uptime"`
	MeanCostPerTask float64 `json:"mean_cost_per_task"`
	WinRate         float64 `json:"win_rate"`
}

func (t SLOThresholds) withDefaults() SLOThresholds {
	if t.P95LatencyMs == 0 {
		t.P95LatencyMs = 2500
	}
	if t.MisfireRate == 0 {
		t.MisfireRate = 0.05
	}
	if t.Uptime == 0 {
		t.Uptime = 0.995
	}
	if t.MeanCostPerTask == 0 {
		t.MeanCostPerTask = 0.10
	}
	if t.WinRate == 0 {
		t.WinRate = 0.85
	}
	return t
}

// Violation is one breached SLO threshold.
type Violation struct {
	Name      string  `json:"name"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
	Detail    string  `json:"detail"`
}

// SLOStatus is the compliance verdict over a window.
type SLOStatus struct {
	Compliant  bool        `json:"compliant"`
	Violations []Violation `json:"violations"`
	Samples    int         `json:"samples"`
}

// Readiness is the deployment gate outcome.
type Readiness struct {
	Ready    bool     `json:"ready"`
	Blockers []string `json:"blockers"`
	Warnings []string `json:"warnings"`
}

// CheckSLO evaluates the thresholds over the window.
func (e *Engine) CheckSLO(window time.Duration) SLOStatus {
	return e.evaluateSLO(e.Records(clampWindow(window)))
}

func (e *Engine) evaluateSLO(recs []core.MetricRecord) SLOStatus {
	status := SLOStatus{Compliant: true, Samples: len(recs)}
	if len(recs) == 0 {
		return status
	}

	var (
		latencies []float64
		costs     []float64
		winSum    float64
		failures  int
		misfires  int
	)
	for _, rec := range recs {
		latencies = append(latencies, rec.ExecutionTimeMs)
		costs = append(costs, rec.CostEstimate)
		winSum += rec.WinRateVsBaseline
		if !rec.Success {
			failures++
			if rec.FallbackUsed {
				misfires++
			}
		}
	}
	total := float64(len(recs))

	addViolation := func(name string, observed, threshold float64, format string) {
		status.Compliant = false
		status.Violations = append(status.Violations, Violation{
			Name:      name,
			Observed:  observed,
			Threshold: threshold,
			Detail:    fmt.Sprintf(format, observed, threshold),
		})
	}

	if p95 := percentile(latencies, 0.95); p95 > e.slo.P95LatencyMs {
		addViolation("p95_latency", p95, e.slo.P95LatencyMs, "p95 latency %.0fms exceeds %.0fms")
	}
	if misfireRate := float64(misfires) / total; misfireRate > e.slo.MisfireRate {
		addViolation("misfire_rate", misfireRate, e.slo.MisfireRate, "failover misfire rate %.3f exceeds %.3f")
	}
	if uptime := 1 - float64(failures)/total; uptime < e.slo.Uptime {
		addViolation("uptime", uptime, e.slo.Uptime, "uptime %.4f below %.4f")
	}
	if meanCost := mean(costs); meanCost > e.slo.MeanCostPerTask {
		addViolation("mean_cost", meanCost, e.slo.MeanCostPerTask, "mean cost $%.4f exceeds $%.4f")
	}
	if winRate := winSum / total; winRate < e.slo.WinRate {
		addViolation("win_rate", winRate, e.slo.WinRate, "win rate %.3f below %.3f")
	}
	return status
}

// DeploymentReadiness gates rollouts on artifact health and current SLO
// state. A degraded artifact store is a hard blocker; SLO violations over
// the default window surface as warnings.
func (e *Engine) DeploymentReadiness() Readiness {
	r := Readiness{Ready: true}

	if e.degraded != nil && e.degraded() {
		r.Ready = false
		r.Blockers = append(r.Blockers, "artifact_unavailable")
	}

	status := e.CheckSLO(DefaultWindow)
	for _, v := range status.Violations {
		r.Warnings = append(r.Warnings, v.Detail)
	}
	if status.Samples == 0 {
		r.Warnings = append(r.Warnings, "no recent traffic to evaluate")
	}
	return r
}
