// Tarsy orchestrator server: HTTP API, queue workers, and the event
// stream for alert investigation sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tarsy-bot/tarsy/pkg/agent/controller"
	"github.com/tarsy-bot/tarsy/pkg/agent/prompt"
	"github.com/tarsy-bot/tarsy/pkg/api"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/database"
	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/masking"
	"github.com/tarsy-bot/tarsy/pkg/mcp"
	"github.com/tarsy-bot/tarsy/pkg/queue"
	"github.com/tarsy-bot/tarsy/pkg/services"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
	"github.com/tarsy-bot/tarsy/pkg/slack"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting Tarsy",
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"agents", stats.Agents, "chains", stats.Chains,
		"mcp_servers", stats.MCPServers, "llm_providers", stats.LLMProviders)

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	db := dbClient.DB()
	sessionService := services.NewSessionService(db)
	stageService := services.NewStageService(db)
	interactionService := services.NewInteractionService(db, sessionService)
	eventService := services.NewEventService(db)
	chatService := services.NewChatService(db)
	scoreService := services.NewScoreService(db)
	warningsService := services.NewSystemWarningsService()
	maskingService := masking.NewService(cfg.MCPServerRegistry)
	slog.Info("Services initialized")

	// Event bus: durable rows plus a live delivery backend.
	bus := events.NewBus(eventService, cfg.EventBus.ErrorBackoff)
	var backend events.Backend
	switch cfg.EventBus.Backend {
	case config.EventBusBackendPolling:
		backend = events.NewPoller(cfg.EventBus.PollInterval, bus.Wake)
	default:
		backend = events.NewNotifyListener(dbClient.DSN(), bus.Wake)
	}
	if err := backend.Start(ctx); err != nil {
		slog.Error("Failed to start event backend", "backend", cfg.EventBus.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.Stop(ctx)
	bus.SetBackend(backend)
	defer bus.Close()
	publisher := events.NewPublisher(bus)
	slog.Info("Event bus started", "backend", cfg.EventBus.Backend)

	janitor := events.NewJanitor(eventService, cfg.Retention)
	janitor.Start(ctx)
	defer janitor.Stop()

	slackService := slack.NewService(slack.ServiceConfig{
		Token:        os.Getenv("SLACK_BOT_TOKEN"),
		Channel:      os.Getenv("SLACK_CHANNEL_ID"),
		DashboardURL: getEnv("DASHBOARD_URL", "http://localhost:8080"),
	})
	if slackService == nil {
		slog.Info("Slack notifications disabled; set SLACK_BOT_TOKEN and SLACK_CHANNEL_ID to enable")
	}
	notifier := slack.NewNotifier(slackService, sessionService, bus)
	if err := notifier.Start(ctx); err != nil {
		slog.Error("Failed to start Slack notifier", "error", err)
		os.Exit(1)
	}
	defer notifier.Stop(ctx)

	// Startup MCP validation: a server that cannot connect becomes a
	// system warning, not a crash; executions degrade to a partial tool
	// set.
	mcpServerIDs := cfg.AllMCPServerIDs()
	if len(mcpServerIDs) > 0 {
		checker := mcp.NewClient(cfg.MCPServerRegistry)
		checker.Initialize(ctx, mcpServerIDs)
		for serverID, reason := range checker.FailedServers() {
			slog.Error("MCP server failed startup validation", "server_id", serverID, "reason", reason)
			warningsService.AddWarning("mcp_health",
				"MCP server failed startup validation", reason, serverID)
		}
		_ = checker.Close()
		slog.Info("MCP servers validated", "count", len(mcpServerIDs))
	}

	llmClient, err := newLLMClient(getEnv("LLM_SERVICE_ADDR", "localhost:50051"))
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()

	tracker := tarsysession.NewCancellationTracker()
	controllers := controller.NewFactory()
	promptBuilder := prompt.NewBuilder()
	toolFactory := queue.NewMCPToolFactory(cfg.MCPServerRegistry, maskingService, interactionService)

	executor := queue.NewChainExecutor(cfg, controllers, llmClient,
		stageService, interactionService, publisher, tracker, promptBuilder, toolFactory)
	chatExecutor := queue.NewChatExecutor(cfg, controllers, llmClient,
		stageService, interactionService, promptBuilder)
	scoringRunner := queue.NewScoringRunner(cfg, controllers, llmClient,
		stageService, scoreService, interactionService, promptBuilder)

	pool := queue.NewWorkerPool(podID, sessionService, cfg.Queue, executor, tracker, publisher)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// Long-lived MCP client for the servers listing endpoint.
	inventoryClient := mcp.NewClient(cfg.MCPServerRegistry)
	defer func() { _ = inventoryClient.Close() }()

	auth, err := loadAuthenticator()
	if err != nil {
		slog.Error("Failed to load auth public key", "error", err)
		os.Exit(1)
	}
	if auth == nil {
		slog.Warn("Authentication disabled; set AUTH_PUBLIC_KEY_FILE to enable")
	}

	server := api.NewServer(api.Options{
		Config:       cfg,
		DB:           db,
		Sessions:     sessionService,
		Stages:       stageService,
		Interactions: interactionService,
		Events:       eventService,
		Chats:        chatService,
		Scores:       scoreService,
		Warnings:     warningsService,
		Stream:       bus,
		Publisher:    publisher,
		Pool:         pool,
		Tracker:      tracker,
		ChatExecutor: chatExecutor,
		Scorer:       scoringRunner,
		Inventory:    &mcpInventory{client: inventoryClient},
		Auth:         auth,
	})

	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Tarsy started", "pod_id", podID, "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// Workers first: sessions still running get the shutdown budget to
	// finish before the API and the bus go away.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	pool.Stop(shutdownCtx)
	cancel()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// loadAuthenticator builds the JWT validator from AUTH_PUBLIC_KEY_FILE.
// Unset means auth is disabled.
func loadAuthenticator() (*api.Authenticator, error) {
	path := os.Getenv("AUTH_PUBLIC_KEY_FILE")
	if path == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return api.NewAuthenticator(pemBytes)
}

// mcpInventory adapts the MCP client to the servers listing endpoint.
type mcpInventory struct {
	client *mcp.Client
}

func (i *mcpInventory) ListServerTools(ctx context.Context, serverID string) ([]api.ToolInfo, error) {
	if err := i.client.InitializeServer(ctx, serverID); err != nil {
		return nil, err
	}
	tools, err := i.client.ListTools(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := make([]api.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		out = append(out, api.ToolInfo{Name: tool.Name, Description: tool.Description})
	}
	return out, nil
}
