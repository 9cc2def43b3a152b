package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sibyllinesoft/heimdall-sub002/internal/api"
	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/authadapter"
	"github.com/sibyllinesoft/heimdall-sub002/internal/circuitbreaker"
	"github.com/sibyllinesoft/heimdall-sub002/internal/config"
	"github.com/sibyllinesoft/heimdall-sub002/internal/controlplane"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
	"github.com/sibyllinesoft/heimdall-sub002/internal/executor"
	"github.com/sibyllinesoft/heimdall-sub002/internal/features"
	"github.com/sibyllinesoft/heimdall-sub002/internal/guardrail"
	"github.com/sibyllinesoft/heimdall-sub002/internal/metrics"
	"github.com/sibyllinesoft/heimdall-sub002/internal/router"
	"github.com/sibyllinesoft/heimdall-sub002/internal/selector"
	"github.com/sibyllinesoft/heimdall-sub002/internal/triage"
)

func main() {
	// .env is optional; real deployments set environment directly
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==== ARTIFACT STORE ====
	store := artifact.NewStore(artifact.StoreConfig{
		URL:          cfg.Artifact.URL,
		CacheDir:     cfg.Artifact.CacheDir,
		MaxMemoryAge: cfg.Artifact.MaxMemoryAge,
		ReloadEvery:  cfg.Artifact.ReloadEvery,
	})
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := store.Load(loadCtx, false); err != nil {
		log.Printf("⚠️ Initial artifact load degraded: %v", err)
	}
	cancel()

	// ==== AUTH ADAPTERS ====
	adapters := authadapter.NewRegistry()
	for _, a := range []authadapter.Adapter{
		authadapter.NewAnthropicAdapter(),
		authadapter.NewOpenAIAdapter(),
		authadapter.NewGoogleAdapter(),
	} {
		if err := adapters.Register(a); err != nil {
			log.Fatalf("Failed to register auth adapter: %v", err)
		}
	}

	// ==== METRICS ====
	prom := metrics.NewPromMetrics()
	journal, err := metrics.NewJournal(cfg.Metrics.LogsPath)
	if err != nil {
		log.Fatalf("Failed to open metrics journal: %v", err)
	}
	warehouse := metrics.NewWarehouseEmitter(cfg.Metrics.WarehouseURL, 0)

	cooldowns := executor.NewCooldownTable(cfg.Executor.CooldownDefault, cfg.Executor.CooldownMax)
	engineOpts := []metrics.EngineOption{
		metrics.WithPrometheus(prom),
		metrics.WithCooldownCount(cooldowns.Count),
		metrics.WithDegradedCheck(store.Degraded),
	}
	if journal != nil {
		engineOpts = append(engineOpts, metrics.WithJournal(journal))
	}
	if warehouse != nil {
		engineOpts = append(engineOpts, metrics.WithWarehouse(warehouse))
	}
	engine := metrics.NewEngine(cfg.Metrics.BufferSize, metrics.SLOThresholds{
		P95LatencyMs:    cfg.Metrics.SLO.P95LatencyMs,
		MisfireRate:     cfg.Metrics.SLO.MisfireRate,
		Uptime:          cfg.Metrics.SLO.Uptime,
		MeanCostPerTask: cfg.Metrics.SLO.MeanCostPerTask,
		WinRate:         cfg.Metrics.SLO.WinRate,
	}, engineOpts...)
	prom.RegisterSnapshotCollector(engine)

	// ==== REQUEST PIPELINE ====
	embedder, err := features.NewHTTPEmbedder(cfg.Features.EmbeddingURL, cfg.Features.EmbeddingTimeout, cfg.Features.CacheSize)
	if err != nil {
		log.Fatalf("Failed to build embedder: %v", err)
	}
	index := features.NewCentroidIndex(nil)
	extractor := features.NewExtractor(embedder, index,
		features.WithDeadline(cfg.Features.ExtractDeadline),
		features.WithTimeoutHook(prom.FeatureTimeouts.Inc),
	)
	classifier := triage.NewClassifier()
	guard := guardrail.New(guardrail.WithEmergencyHook(prom.EmergencyEscalation.Inc))
	sel := selector.New(selector.WithExploration(cfg.Router.Epsilon, cfg.Router.TopN))
	rt := router.New(store, extractor, classifier, guard, sel, cfg)

	// ==== EXECUTOR ====
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.Executor.BreakerThreshold,
		ResetTimeout:     cfg.Executor.BreakerReset,
	})
	clientOpts := []executor.ClientOption{
		executor.WithEnvKey(core.ProviderOpenAI, cfg.Providers.OpenAIKey),
		executor.WithEnvKey(core.ProviderGoogle, cfg.Providers.GeminiKey),
		executor.WithEnvKey(core.ProviderAnthropic, cfg.Providers.AnthropicKey),
		executor.WithEnvKey(core.ProviderOpenRouter, cfg.Providers.OpenRouterKey),
	}
	var oauth *authadapter.GoogleOAuthFlow
	if cfg.AuthAdapters.GoogleClientID != "" {
		oauth = authadapter.NewGoogleOAuthFlow(authadapter.GoogleOAuthConfig{
			ClientID:    cfg.AuthAdapters.GoogleClientID,
			RedirectURI: cfg.AuthAdapters.GoogleRedirectURI,
		})
		clientOpts = append(clientOpts, executor.WithGoogleTokenSource(oauth))
	}
	client := executor.NewClient(adapters, cfg.Executor.ProviderTimeout, clientOpts...)
	exec := executor.New(client, breakers, cooldowns)

	// ==== CONTROL PLANE ====
	catalog := controlplane.NewCatalogRefresher(controlplane.CatalogRefresherConfig{
		BaseURL:          cfg.Catalog.BaseURL,
		Timeout:          cfg.Catalog.Timeout,
		FullRefreshHour:  cfg.Catalog.FullRefreshHour,
		DriftCheckEvery:  cfg.Catalog.DriftCheckEvery,
		SignificantDelta: cfg.Catalog.SignificantDelta,
		DriftDelta:       cfg.Catalog.DriftDelta,
	}, store)
	canary := controlplane.NewCanaryController(controlplane.CanaryConfig{
		EvalInterval:       cfg.Canary.EvalInterval,
		MinSamplesPerStage: cfg.Canary.MinSamplesPerStage,
		MinStageDuration:   cfg.Canary.MinStageDuration,
	})
	canary.SetRollbackFailureHook(func(r *controlplane.Rollout) {
		log.Printf("🚨 EMERGENCY: canary rollback failed for artifact %s (rollout %s)", r.ArtifactVersion, r.ID)
	})
	canary.SetPromoteFunc(store.Publish)
	tuning := controlplane.NewTuningPipeline(controlplane.TuningConfig{
		Weekday:    cfg.Tuning.Weekday,
		HourUTC:    cfg.Tuning.HourUTC,
		MinSamples: cfg.Tuning.MinSamples,
		LogsPath:   cfg.Metrics.LogsPath,
	}, engine, store, canary, nil)
	recommender := controlplane.NewRecommender(engine, 6*time.Hour)
	plane := controlplane.NewPlane(store, catalog, canary, tuning, recommender)

	if warehouse != nil {
		go warehouse.Run(ctx)
		prom.RegisterWarehouseDrops(warehouse.Dropped)
	}
	if notifier := metrics.NewAlertNotifier(cfg.Metrics.AlertWebhookURL, 0); notifier != nil {
		go notifier.Run(ctx)
		go notifier.Watch(ctx, engine, metrics.DefaultAlertRules(), time.Minute)
	}
	go func() {
		if err := plane.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("⚠️ Control plane exited: %v", err)
		}
	}()

	// ==== HTTP SURFACE ====
	server := api.NewServer(cfg, rt, exec, adapters, engine, store, canary, recommender)
	server.SetPromMetrics(prom)
	if oauth != nil {
		server.SetGoogleOAuth(oauth)
	}

	log.Printf("🚀 Routing gateway starting (env=%s, buckets=%v)", cfg.Server.Env,
		[]core.Bucket{core.BucketCheap, core.BucketMid, core.BucketHard})

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	if journal != nil {
		journal.Close()
	}
	store.Close()
	log.Println("Shutdown complete")
}
