package metrics

import (
	"fmt"
	"time"
)

// AlertSeverity orders alert urgency.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertRule is one named condition evaluated against the dashboard snapshot.
type AlertRule struct {
	Name     string
	Severity AlertSeverity
	Check    func(Dashboard) (bool, string)
}

// Alert is one firing rule.
type Alert struct {
	Name     string        `json:"name"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
	Since    time.Time     `json:"since"`
}

// DefaultAlertRules are the built-in router alerts.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			Name:     "high_p95_latency",
			Severity: SeverityWarning,
			Check: func(d Dashboard) (bool, string) {
				if d.LatencyOverall.P95Ms > 2500 {
					return true, fmt.Sprintf("p95 latency %.0fms over 2500ms", d.LatencyOverall.P95Ms)
				}
				return false, ""
			},
		},
		{
			Name:     "anthropic_429_burst",
			Severity: SeverityWarning,
			Check: func(d Dashboard) (bool, string) {
				if d.Anthropic429LastHour >= 10 {
					return true, fmt.Sprintf("%d Anthropic 429s in the last hour", d.Anthropic429LastHour)
				}
				return false, ""
			},
		},
		{
			Name:     "slo_violation",
			Severity: SeverityCritical,
			Check: func(d Dashboard) (bool, string) {
				if !d.SLO.Compliant && d.SLO.Samples > 0 {
					return true, fmt.Sprintf("%d SLO violations over window", len(d.SLO.Violations))
				}
				return false, ""
			},
		},
		{
			Name:     "win_rate_degraded",
			Severity: SeverityCritical,
			Check: func(d Dashboard) (bool, string) {
				if d.TotalRequests > 0 && d.WinRateOverall < 0.75 {
					return true, fmt.Sprintf("win rate %.3f below 0.75", d.WinRateOverall)
				}
				return false, ""
			},
		},
	}
}

// EvaluateAlerts returns the currently firing alerts for the snapshot.
func EvaluateAlerts(rules []AlertRule, d Dashboard) []Alert {
	var firing []Alert
	for _, rule := range rules {
		if ok, msg := rule.Check(d); ok {
			firing = append(firing, Alert{
				Name:     rule.Name,
				Severity: rule.Severity,
				Message:  msg,
				Since:    d.GeneratedAt,
			})
		}
	}
	return firing
}
