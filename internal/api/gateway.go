package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/authadapter"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
	"github.com/sibyllinesoft/heimdall-sub002/internal/executor"
	"github.com/sibyllinesoft/heimdall-sub002/internal/router"
)

// chatRequest is the accepted wire shape. Unknown keys are kept for
// pass-through.
type chatRequest struct {
	Messages    []core.Message `json:"messages"`
	Model       string         `json:"model"`
	Stream      bool           `json:"stream"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
	Provider    *struct {
		Sort           string `json:"sort"`
		MaxPrice       int    `json:"max_price"`
		AllowFallbacks bool   `json:"allow_fallbacks"`
	} `json:"provider"`
}

var knownBodyKeys = map[string]bool{
	"messages": true, "model": true, "stream": true,
	"max_tokens": true, "temperature": true, "provider": true,
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	var parsed chatRequest
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if len(parsed.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}

	// A request without a recognized credential still routes; the executor
	// falls back to the gateway's own provider keys and fails the call with
	// auth_missing when none is configured.
	var auth *core.AuthInfo
	if adapter := s.adapters.FindMatch(r.Header); adapter != nil {
		auth = adapter.Extract(r.Header)
	}

	req := &core.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Headers:     r.Header,
		Messages:    parsed.Messages,
		Model:       parsed.Model,
		Stream:      parsed.Stream,
		MaxTokens:   parsed.MaxTokens,
		Temperature: parsed.Temperature,
		Extra:       extraKeys(body),
	}
	var prefs core.ProviderPrefs
	if parsed.Provider != nil {
		prefs = core.ProviderPrefs{
			Sort:           parsed.Provider.Sort,
			MaxPrice:       parsed.Provider.MaxPrice,
			AllowFallbacks: parsed.Provider.AllowFallbacks,
		}
	}

	// Canary-assigned requests decide on the candidate artifact; everything
	// else reads the store's current one.
	requestID := uuid.NewString()
	var canaryArt *artifact.Artifact
	if s.canary != nil {
		canaryArt = s.canary.ArtifactFor(requestID)
	}
	outcome := s.router.DecideWith(r.Context(), req, auth, prefs, canaryArt)

	result := s.exec.Execute(r.Context(), outcome.Decision, req, outcome.Features, auth)

	winRate := parseWinRate(r.Header)
	rec := core.MetricRecord{
		Timestamp:         time.Now(),
		RequestID:         requestID,
		Bucket:            outcome.Bucket,
		Provider:          result.Provider,
		Model:             result.Model,
		Success:           result.Success,
		ExecutionTimeMs:   float64(result.ExecutionTime) / float64(time.Millisecond),
		FallbackUsed:      result.FallbackUsed,
		Anthropic429:      result.Anthropic429,
		WinRateVsBaseline: winRate,
		ArtifactVersion:   outcome.Artifact.Version,
	}
	if auth != nil {
		rec.UserID = auth.UserID
	}
	if result.Response != nil {
		rec.PromptTokens = result.Response.PromptTokens
		rec.CompletionTokens = result.Response.CompletionTokens
		rec.TotalTokens = result.Response.TotalTokens
		rec.CostEstimate = estimateCost(outcome, result)
	}
	if result.Err != nil {
		rec.ErrorKind = string(result.Err.Kind)
	}
	s.engine.Record(rec)

	if canaryArt != nil {
		s.canary.RecordResult(result.Success, rec.CostEstimate, rec.ExecutionTimeMs, winRate)
	}

	if !result.Success {
		s.writeExecutionError(w, result)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Routed-Model", result.Model)
	if s.store.Degraded() {
		s.writeDegradedResponse(w, result.Response.Body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Response.Body)
}

// writeDegradedResponse injects the degraded-mode warning field into the
// upstream body.
func (s *Server) writeDegradedResponse(w http.ResponseWriter, upstream json.RawMessage) {
	var decoded map[string]any
	if err := json.Unmarshal(upstream, &decoded); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(upstream)
		return
	}
	decoded["warning"] = "routing in degraded mode: emergency artifact active"
	writeJSON(w, http.StatusOK, decoded)
}

func (s *Server) writeExecutionError(w http.ResponseWriter, result *executor.Result) {
	pe := result.Err
	if pe == nil {
		writeError(w, http.StatusBadGateway, "provider_5xx", "provider call failed")
		return
	}
	if result.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	}
	writeError(w, pe.HTTPStatus(), string(pe.Kind), pe.Message)
}

// handleModels lists the configured candidates per tier.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID     string      `json:"id"`
		Object string      `json:"object"`
		Bucket core.Bucket `json:"bucket"`
	}
	var data []modelEntry
	seen := make(map[string]bool)
	for _, bucket := range []core.Bucket{core.BucketCheap, core.BucketMid, core.BucketHard} {
		for _, m := range s.cfg.CandidatesFor(bucket) {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, modelEntry{ID: m, Object: "model", Bucket: bucket})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// extraKeys keeps unrecognized body keys for provider pass-through.
func extraKeys(body []byte) map[string]any {
	var all map[string]any
	if json.Unmarshal(body, &all) != nil {
		return nil
	}
	extra := make(map[string]any)
	for k, v := range all {
		if !knownBodyKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// ==== GOOGLE OAUTH ====

// handleGoogleAuthStart begins the PKCE consent flow for a user.
func (s *Server) handleGoogleAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "google oauth is not configured")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id query parameter required")
		return
	}
	authURL, state, err := s.oauth.BeginAuth(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth_url": authURL, "state": state})
}

// handleGoogleAuthCallback exchanges the authorization code and caches the
// user's tokens for the executor's Gemini calls.
func (s *Server) handleGoogleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "google oauth is not configured")
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "state and code query parameters required")
		return
	}
	if _, err := s.oauth.Exchange(r.Context(), state, code); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	userID, _ := authadapter.UserFromState(state)
	writeJSON(w, http.StatusOK, map[string]any{"status": "authorized", "user_id": userID})
}

// parseWinRate reads the evaluation harness's win-rate header, default 1.0.
func parseWinRate(h http.Header) float64 {
	if v := h.Get("X-Heimdall-Win-Rate"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return 1.0
}

// estimateCost scales the artifact's relative per-model cost by the token
// volume. The artifact cost values are normalized per million tokens.
func estimateCost(outcome *router.Outcome, result *executor.Result) float64 {
	relCost, ok := outcome.Artifact.Chat[result.Model]
	if !ok {
		relCost = 0.5
	}
	return relCost * float64(result.Response.TotalTokens) / 1e6
}
