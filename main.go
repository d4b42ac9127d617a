package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/auth"
	"github.com/askviz/askviz-engine/pkg/config"
	"github.com/askviz/askviz-engine/pkg/database"
	"github.com/askviz/askviz-engine/pkg/handlers"
	"github.com/askviz/askviz-engine/pkg/llm"
	"github.com/askviz/askviz-engine/pkg/logging"
	"github.com/askviz/askviz-engine/pkg/mcp"
	"github.com/askviz/askviz-engine/pkg/mcp/tools"
	"github.com/askviz/askviz-engine/pkg/metrics"
	"github.com/askviz/askviz-engine/pkg/middleware"
	"github.com/askviz/askviz-engine/pkg/repositories"
	"github.com/askviz/askviz-engine/pkg/retry"
	"github.com/askviz/askviz-engine/pkg/schema"
	"github.com/askviz/askviz-engine/pkg/services"
	"github.com/askviz/askviz-engine/pkg/services/vizql"
	"github.com/askviz/askviz-engine/pkg/tableau"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	migrationsPath  = "migrations"
)

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Engine failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.VerificationEnabled()),
		zap.Bool("database", cfg.Database.Enabled()),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model))

	defs, err := config.LoadAgentDefinitions(cfg.Agents.DefinitionsPath, cfg.Agents)
	if err != nil {
		return err
	}
	registry := services.NewAgentRegistry(defs)
	logger.Info("Agents loaded", zap.Strings("agents", registry.Names()))

	clock := clockwork.NewRealClock()
	sessions := tableau.NewSessionManager(cfg.Tableau, clock, logger)
	tableauClient := tableau.NewClient(cfg.Tableau, sessions, logger)

	chatClient, err := llm.New(&llm.Config{
		Provider:    cfg.LLM.Provider,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		return err
	}
	breaker := llm.NewCircuitBreaker(llm.DefaultCircuitBreakerConfig())
	resilient := llm.NewResilientClient(chatClient, breaker, retry.DefaultConfig(), logger)

	m := metrics.New()
	enricher := schema.NewEnricher(tableauClient, cfg.Agents.MaxStatFields, logger)
	queryCache := vizql.NewQueryCache(cfg.Cache.Capacity, cfg.Cache.TTL, clock)
	graph := vizql.NewGraph(resilient, tableauClient, enricher, queryCache, retry.DefaultConfig(), m, logger)
	orchestrator := services.NewOrchestrator(registry, resilient, graph, cfg.Agents.MaxParallelism, m, logger)

	repo, db, err := newConversationStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	chatService := services.NewChatService(registry, graph, orchestrator, repo, logger)

	authMiddleware, err := auth.NewMiddleware(ctx, cfg.Auth, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewChatHandler(chatService, m, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewAgentsHandler(registry, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewConversationsHandler(repo, logger).RegisterRoutes(mux, authMiddleware)
	mux.Handle("/metrics", m.Handler())

	mcpServer := mcp.NewServer("askviz-engine", cfg.Version, logger)
	tools.RegisterHealthTool(mcpServer.MCP(), cfg.Version, registry.Len())
	tools.RegisterListAgentsTool(mcpServer.MCP(), registry)
	tools.RegisterReadSchemaTool(mcpServer.MCP(), registry, enricher)
	tools.RegisterAskTool(mcpServer.MCP(), chatService)
	mux.Handle("/mcp", mcpServer.NewStreamableHTTPServer())

	handler := middleware.Recovery(logger)(middleware.RequestLogger(logger)(mux))

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: handler,
		// Request contexts descend from the signal context so in-flight
		// streams unwind promptly on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting askviz-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := tableauClient.SignOut(shutdownCtx); err != nil {
		logger.Warn("Tableau sign-out failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

// newConversationStore connects to Postgres when one is configured and runs
// pending migrations; otherwise conversations live in process memory.
func newConversationStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.ConversationRepository, *database.DB, error) {
	if !cfg.Database.Enabled() {
		logger.Info("No database configured, keeping conversations in memory")
		return repositories.NewMemoryConversationRepository(), nil, nil
	}

	connStr := cfg.Database.ConnectionString()
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, nil, err
	}

	// golang-migrate drives migrations through database/sql.
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, migrationsPath, logger); err != nil {
		db.Close()
		return nil, nil, err
	}

	return repositories.NewConversationRepository(db), db, nil
}
