package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/neosignal-dev/openai-proxy-ha/internal/audit"
	"github.com/neosignal-dev/openai-proxy-ha/internal/config"
	"github.com/neosignal-dev/openai-proxy-ha/internal/homeassistant"
	"github.com/neosignal-dev/openai-proxy-ha/internal/httpapi"
	"github.com/neosignal-dev/openai-proxy-ha/internal/llm"
	"github.com/neosignal-dev/openai-proxy-ha/internal/memory"
	"github.com/neosignal-dev/openai-proxy-ha/internal/observability"
	"github.com/neosignal-dev/openai-proxy-ha/internal/pipeline"
	"github.com/neosignal-dev/openai-proxy-ha/internal/policy"
	"github.com/neosignal-dev/openai-proxy-ha/internal/ratelimit"
	"github.com/neosignal-dev/openai-proxy-ha/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	var (
		completer llm.Completer
		embedder  llm.Embedder
	)
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		provider, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:          cfg.OpenAIAPIKey,
			BaseURL:         cfg.OpenAIBaseURL,
			CompletionModel: cfg.IntentModel,
			EmbeddingModel:  cfg.EmbeddingModel,
			EmbeddingDim:    cfg.EmbeddingDim,
			Timeout:         cfg.ProviderTimeout,
		})
		if err != nil {
			log.Fatalf("openai provider init failed: %v", err)
		}
		completer = provider
		embedder = provider
		log.Printf("llm provider: openai (%s)", cfg.IntentModel)
	} else {
		embedder = llm.NewHashEmbedder(cfg.EmbeddingDim)
		log.Printf("llm provider: none, keyword classification only")
	}

	shortTerm, err := memory.NewShortTermStore(ctx, cfg.DatabaseURL, cfg.ShortTermWindow)
	if err != nil {
		log.Fatalf("short-term store init failed: %v", err)
	}
	memoryMgr := memory.NewManager(
		shortTerm,
		memory.NewChromemLongTerm(),
		embedder,
		memory.NewRetentionPolicy(nil),
	)
	memoryMgr.SetDegradeHook(func() {
		metrics.MemoryDegraded.Set(1)
	})
	defer memoryMgr.Close()

	auditSink, err := audit.NewSink(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("audit sink init failed: %v", err)
	}
	defer auditSink.Close()

	var snapshots homeassistant.SnapshotProvider
	var caller homeassistant.ServiceCaller
	if strings.TrimSpace(cfg.HomeAssistantURL) != "" {
		client := homeassistant.NewClient(cfg.HomeAssistantURL, cfg.HomeAssistantToken)
		cached, err := homeassistant.NewCachedSnapshots(client, cfg.SnapshotCacheTTL)
		if err != nil {
			log.Fatalf("snapshot cache init failed: %v", err)
		}
		snapshots = cached
		caller = client
		log.Printf("home assistant: %s", cfg.HomeAssistantURL)
	} else {
		mock := homeassistant.NewMockPlatform(nil)
		snapshots = mock
		caller = mock
		log.Printf("home assistant: mock platform (HA_URL not set)")
	}

	servicePolicy, err := policy.NewServicePolicy(cfg.AllowedServices, cfg.DangerousServices)
	if err != nil {
		log.Fatalf("service policy init failed: %v", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	pending := pipeline.NewPendingPlans(cfg.ConfirmationWindow, func(plan pipeline.ActionPlan) {
		_ = sessions.SetPendingPlan(plan.SessionID, "")
		metrics.SessionEvents.WithLabelValues("plan_discarded").Inc()
	})

	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Memory:    memoryMgr,
		Snapshots: snapshots,
		Analyzer:  pipeline.NewIntentAnalyzer(completer, cfg.IntentConfidenceMin),
		Resolver:  pipeline.NewContextResolver(),
		Planner:   pipeline.NewPlanner(servicePolicy),
		Executor:  pipeline.NewExecutor(caller, auditSink),
		Composer:  pipeline.NewResponseComposer(),
		Pending:   pending,
		Completer: completer,
		Limits:    ratelimit.NewManager(),
		Budgets: pipeline.RateBudgets{
			GlobalPerMinute:   cfg.GlobalRatePerMinute,
			PerUserPerMinute:  cfg.PerUserRatePerMinute,
			ProviderPerMinute: cfg.ProviderRatePerMinute,
			PlatformPerMinute: cfg.PlatformRatePerMinute,
		},
		Metrics:         metrics,
		RequestTimeout:  cfg.RequestTimeout,
		ShortTermWindow: cfg.ShortTermWindow,
		LongTermRecallK: cfg.LongTermRecallK,
	})

	api := httpapi.New(cfg, sessions, orchestrator, memoryMgr, auditSink, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)
	pending.StartJanitor(runCtx, 5*time.Second)
	memoryMgr.StartJanitor(runCtx, cfg.MemoryCleanupEvery)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
