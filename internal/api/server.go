// Package api exposes the gateway endpoint and the read-only dashboard
// surface via REST/JSON.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/authadapter"
	"github.com/sibyllinesoft/heimdall-sub002/internal/config"
	"github.com/sibyllinesoft/heimdall-sub002/internal/controlplane"
	"github.com/sibyllinesoft/heimdall-sub002/internal/executor"
	"github.com/sibyllinesoft/heimdall-sub002/internal/metrics"
	"github.com/sibyllinesoft/heimdall-sub002/internal/router"
)

// Server hosts the chat-completions gateway plus the dashboard endpoints.
type Server struct {
	cfg      *config.Config
	router   *router.Router
	exec     *executor.Executor
	adapters *authadapter.Registry
	engine   *metrics.Engine
	store    *artifact.Store
	canary   *controlplane.CanaryController
	recs     *controlplane.Recommender
	prom     *metrics.PromMetrics
	oauth    *authadapter.GoogleOAuthFlow
	alerts   []metrics.AlertRule
	logger   *log.Logger

	httpServer      *http.Server
	dashboardServer *http.Server
}

// NewServer wires the request path and dashboard dependencies.
func NewServer(cfg *config.Config, rt *router.Router, exec *executor.Executor, adapters *authadapter.Registry, engine *metrics.Engine, store *artifact.Store, canary *controlplane.CanaryController, recs *controlplane.Recommender) *Server {
	return &Server{
		cfg:      cfg,
		router:   rt,
		exec:     exec,
		adapters: adapters,
		engine:   engine,
		store:    store,
		canary:   canary,
		recs:     recs,
		alerts:   metrics.DefaultAlertRules(),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// SetPromMetrics attaches the Prometheus collectors for the exposition
// format of /metrics.
func (s *Server) SetPromMetrics(p *metrics.PromMetrics) { s.prom = p }

// SetGoogleOAuth attaches the PKCE flow backing the /auth/google endpoints.
func (s *Server) SetGoogleOAuth(f *authadapter.GoogleOAuthFlow) { s.oauth = f }

// Handler builds the mux router with middleware and all routes. The
// dashboard routes are included here too so single-port deployments keep
// working.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	// Gateway surface
	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/models", s.handleModels).Methods("GET")
	r.HandleFunc("/auth/google/start", s.handleGoogleAuthStart).Methods("GET")
	r.HandleFunc("/auth/google/callback", s.handleGoogleAuthCallback).Methods("GET")

	s.addDashboardRoutes(r)
	return r
}

// DashboardHandler serves only the read-only dashboard surface, for the
// separate dashboard listener.
func (s *Server) DashboardHandler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	s.addDashboardRoutes(r)
	return r
}

func (s *Server) addDashboardRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/slo-status", s.handleSLOStatus).Methods("GET")
	r.HandleFunc("/deployment-readiness", s.handleReadiness).Methods("GET")
	r.HandleFunc("/provider-health", s.handleProviderHealth).Methods("GET")
	r.HandleFunc("/cost-analysis", s.handleCostAnalysis).Methods("GET")
	r.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	r.HandleFunc("/recommendations", s.handleRecommendations).Methods("GET")
	r.HandleFunc("/canary", s.handleCanary).Methods("GET")
	r.HandleFunc("/cooldowns", s.handleCooldowns).Methods("GET")
	r.HandleFunc("/cooldowns/{user_id}", s.handleClearCooldown).Methods("DELETE")
}

// Start serves until the context ends, then shuts down gracefully. When a
// distinct dashboard port is configured the read-only surface gets its own
// listener.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.cfg.Server.Port,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Printf("🚀 Gateway listening on :%s", s.cfg.Server.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if port := s.cfg.Server.DashboardPort; port != "" && port != s.cfg.Server.Port {
		s.dashboardServer = &http.Server{
			Addr:         ":" + port,
			Handler:      s.DashboardHandler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		}
		go func() {
			s.logger.Printf("📊 Dashboard listening on :%s", port)
			if err := s.dashboardServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Println("Shutting down gateway")
		if s.dashboardServer != nil {
			s.dashboardServer.Shutdown(shutdownCtx)
		}
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// ==== MIDDLEWARE ====

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/health" {
			s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

// ==== RESPONSE HELPERS ====

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the provider-neutral error envelope.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = kind
	writeJSON(w, status, body)
}
