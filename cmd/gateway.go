package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/loomrelay/loomrelay/internal/agent"
	"github.com/loomrelay/loomrelay/internal/bootstrap"
	"github.com/loomrelay/loomrelay/internal/bus"
	"github.com/loomrelay/loomrelay/internal/channels"
	"github.com/loomrelay/loomrelay/internal/channels/shangwang"
	"github.com/loomrelay/loomrelay/internal/channels/telegram"
	"github.com/loomrelay/loomrelay/internal/channels/wecom"
	"github.com/loomrelay/loomrelay/internal/channels/whatsapp"
	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/cron"
	"github.com/loomrelay/loomrelay/internal/knowledge"
	"github.com/loomrelay/loomrelay/internal/providers"
	"github.com/loomrelay/loomrelay/internal/scheduler"
	"github.com/loomrelay/loomrelay/internal/sessions"
	"github.com/loomrelay/loomrelay/internal/store/file"
	"github.com/loomrelay/loomrelay/internal/transcript"
)

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if !cfg.HasAnyProvider() {
		fatal("no LLM provider configured; run `loomrelay onboard` or set LOOMRELAY_ANTHROPIC_API_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}

	// Hot-reload: config edits swap in without a restart. Components read
	// their settings at construction, so reloads mostly serve secrets and
	// allow-list changes picked up by the next turn.
	if closeWatch, err := config.Watch(cfgPath, cfg, nil); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer closeWatch()
	}

	workspace := cfg.WorkspacePath()
	if created, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("workspace bootstrap failed", "error", err)
	} else if len(created) > 0 {
		slog.Info("workspace files seeded", "files", created)
	}

	// Stores.
	sessionMgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))
	sessionStore := file.NewFileSessionStore(sessionMgr)
	pairingStore, err := file.NewPairingStore(filepath.Join(filepath.Dir(config.ExpandHome(cfg.Cron.StorePath)), "pairing.json"))
	if err != nil {
		fatal("open pairing store: %v", err)
	}
	cronStore, err := cron.NewStore(config.ExpandHome(cfg.Cron.StorePath))
	if err != nil {
		fatal("open cron store: %v", err)
	}

	// Knowledge store (RAG). Needs an embedding endpoint; without one the
	// gateway still runs, minus the knowledge tools.
	var kb *knowledge.Store
	if embed := buildEmbeddingFunc(cfg); embed != nil {
		kb = knowledge.NewStore(workspace, embed, knowledge.Options{
			ChunkSize:    cfg.Knowledge.ChunkSize,
			ChunkOverlap: cfg.Knowledge.ChunkOverlap,
			TopK:         cfg.Knowledge.TopK,
		})
	} else {
		slog.Warn("no embedding endpoint configured; knowledge tools disabled")
	}

	transcripts := transcript.NewRecorder(workspace, cfg.ChatHistory.AdminNames, cfg.ChatHistory.AdminIDs)

	// Agent.
	providerReg := buildProviderRegistry(cfg)
	provider, err := providerReg.Get(cfg.Agent.Provider)
	if err != nil {
		names := providerReg.List()
		if len(names) == 0 {
			fatal("no usable LLM provider")
		}
		provider, _ = providerReg.Get(names[0])
		slog.Warn("configured provider unavailable, using fallback", "wanted", cfg.Agent.Provider, "using", names[0])
	}

	toolRegistry := buildToolRegistry(cfg, workspace, kb)
	loop := agent.NewLoop(agent.LoopConfig{
		Provider:        provider,
		Model:           cfg.Agent.Model,
		MaxTokens:       cfg.Agent.MaxTokens,
		Temperature:     cfg.Agent.Temperature,
		ContextWindow:   cfg.Agent.ContextWindow,
		MaxIterations:   cfg.Agent.MaxToolIterations,
		Workspace:       workspace,
		ThinkingLevel:   cfg.Agent.ThinkingLevel,
		Sessions:        sessionStore,
		Tools:           toolRegistry,
		ToolPolicy:      buildToolPolicy(cfg),
		Knowledge:       kb,
		AutoContext:     cfg.Knowledge.AutoContext,
		Transcripts:     transcripts,
		ContextFiles:    bootstrap.LoadWorkspaceFiles(workspace),
		MaxMessageChars: cfg.Gateway.MaxMessageChars,
		TurnTimeout:     time.Duration(cfg.Agent.TurnTimeoutSec) * time.Second,
		LLMTimeout:      time.Duration(cfg.Agent.LLMTimeoutSec) * time.Second,
		ToolTimeout:     time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second,
	})
	dispatcher := agent.NewDispatcher(loop, cfg.Gateway.MaxConcurrentTurns)

	// Bus + transports.
	msgBus := bus.NewMessageBus()
	channelMgr := channels.NewManager(msgBus)
	if cfg.Gateway.RateLimitRPM > 0 {
		channelMgr.SetOutboundLimiter(channels.NewOutboundLimiter(float64(cfg.Gateway.RateLimitRPM)/60, 5))
	}
	registerChannels(channelMgr, cfg, msgBus, pairingStore)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}

	// Scheduler + heartbeat share the dispatcher so their synthetic turns
	// respect per-session serialization.
	runFunc := makeSchedulerRunFunc(dispatcher)
	sched := scheduler.New(cronStore, runFunc, msgBus)
	heartbeat := scheduler.NewHeartbeat(
		cfg.Heartbeat.Interval(),
		cfg.Heartbeat.Prompt,
		runFunc,
		msgBus,
		makeMaintenanceFunc(kb, cfg.Knowledge.RetentionDays),
		cfg.Heartbeat.Channel,
		cfg.Heartbeat.To,
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sched.Start(ctx) }()
	go func() { defer wg.Done(); heartbeat.Start(ctx) }()
	go func() { defer wg.Done(); consumeInboundMessages(ctx, msgBus, dispatcher, sessionMgr, cfg) }()

	// Periodic idle-session eviction.
	go func() {
		idle := time.Duration(cfg.Sessions.IdleTimeoutMin) * time.Minute
		if idle <= 0 {
			return
		}
		ticker := time.NewTicker(idle / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := sessionMgr.EvictIdle(idle); len(evicted) > 0 {
					slog.Info("idle sessions evicted", "count", len(evicted))
				}
			}
		}
	}()

	slog.Info("gateway running", "workspace", workspace, "model", cfg.Agent.Model, "provider", provider.Name())
	<-ctx.Done()

	// Shutdown: stop accepting inbound, let in-flight turns drain, then
	// stop transports and flush.
	slog.Info("shutting down")
	msgBus.Shutdown()
	drainTimeout := time.Duration(cfg.Gateway.DrainTimeoutSec) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	dispatcher.Drain(drainTimeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channelMgr.StopAll(stopCtx)
	wg.Wait()
	if shutdownTelemetry != nil {
		shutdownTelemetry(stopCtx)
	}
	slog.Info("gateway stopped")
}

// buildEmbeddingFunc constructs the embedding function from config; nil when
// no API key is available.
func buildEmbeddingFunc(cfg *config.Config) chromem.EmbeddingFunc {
	apiKey := cfg.Knowledge.Embedding.APIKey
	if apiKey == "" {
		apiKey = cfg.Providers.OpenAI.APIKey
	}
	if apiKey == "" {
		return nil
	}
	baseURL := cfg.Knowledge.Embedding.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Knowledge.Embedding.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	normalized := true
	return chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, &normalized)
}

func buildProviderRegistry(cfg *config.Config) *providers.Registry {
	registry := providers.NewRegistry()
	registerProviders(registry, cfg)
	return registry
}

// makeMaintenanceFunc runs the heartbeat's knowledge-store upkeep: weekly
// web-cache eviction plus short-term document retention.
func makeMaintenanceFunc(kb *knowledge.Store, retentionDays int) func(ctx context.Context) {
	if kb == nil {
		return nil
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return func(ctx context.Context) {
		if kb.ShouldClearWebCache() {
			if err := kb.ClearWebCache(); err != nil {
				slog.Warn("web cache eviction failed", "error", err)
			}
		}
		kb.CleanupShortTerm(ctx, retentionDays)
	}
}

func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, pairing *file.PairingStore) {
	if cfg.Channels.Telegram.Enabled {
		if ch, err := telegram.New(cfg.Channels.Telegram, msgBus, pairing); err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, pairing); err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}
	if cfg.Channels.WeCom.Enabled {
		if ch, err := wecom.New(cfg.Channels.WeCom, msgBus); err != nil {
			slog.Error("wecom channel init failed", "error", err)
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}
	if cfg.Channels.Shangwang.Enabled {
		if ch, err := shangwang.New(cfg.Channels.Shangwang, msgBus); err != nil {
			slog.Error("shangwang channel init failed", "error", err)
		} else {
			mgr.RegisterChannel(ch.Name(), ch)
		}
	}
}
