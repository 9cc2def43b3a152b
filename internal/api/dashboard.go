package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sibyllinesoft/heimdall-sub002/internal/metrics"
)

// windowParam reads ?window=<ms>, returning 0 for the default.
func windowParam(r *http.Request) time.Duration {
	v := r.URL.Query().Get("window")
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.store.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"degraded": s.store.Degraded(),
		"buffered": s.engine.BufferLen(),
		"time":     time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		s.promHandler().ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot(windowParam(r)))
}

// promHandler lazily builds the exposition handler over the engine's
// registry-backed collectors.
func (s *Server) promHandler() http.Handler {
	if s.prom == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotImplemented, "not_configured", "prometheus collectors not enabled")
		})
	}
	return promhttp.HandlerFor(s.prom.Registry(), promhttp.HandlerOpts{})
}

func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CheckSLO(windowParam(r)))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	readiness := s.engine.DeploymentReadiness()
	status := http.StatusOK
	if !readiness.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readiness)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	d := s.engine.Snapshot(windowParam(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":      d.ProviderHealth,
		"breakers":       s.exec.Breakers().Stats(),
		"request_counts": s.exec.RequestCounts(),
	})
}

func (s *Server) handleCostAnalysis(w http.ResponseWriter, r *http.Request) {
	d := s.engine.Snapshot(windowParam(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"overall":     d.CostOverall,
		"per_bucket":  d.CostPerBucket,
		"route_share": d.RouteShare,
		"trend":       d.HourlyTrend,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	d := s.engine.Snapshot(0)
	firing := metrics.EvaluateAlerts(s.alerts, d)
	if firing == nil {
		firing = []metrics.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": firing})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if s.recs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"recommendations": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": s.recs.Pending()})
}

func (s *Server) handleCanary(w http.ResponseWriter, r *http.Request) {
	if s.canary == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": nil, "history": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  s.canary.Active(),
		"history": s.canary.History(),
	})
}

func (s *Server) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cooldowns": s.exec.Cooldowns().Active(),
	})
}

// handleClearCooldown is the admin escape hatch for a stuck user.
func (s *Server) handleClearCooldown(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	cleared := s.exec.Cooldowns().Clear(userID)
	if !cleared {
		writeError(w, http.StatusNotFound, "not_found", "no cooldown for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": userID})
}
