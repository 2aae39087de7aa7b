package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/evermind-ai/evermind/config"
	evlogger "github.com/evermind-ai/evermind/logger"
	"github.com/evermind-ai/evermind/memory"
	"github.com/evermind-ai/evermind/memory/chromem"
	"github.com/evermind-ai/evermind/memory/ollama"
	"github.com/evermind-ai/evermind/memory/openai"
	"github.com/evermind-ai/evermind/migrations"
	"github.com/evermind-ai/evermind/server"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     = flag.String("config", config.GetConfigPath(), "Path to config file")
		dbPath         = flag.String("db", "evermind.db", "Path to SQLite database file")
		dataDir        = flag.String("data-dir", "evermind_vectors", "Directory for the persistent vector index")
		migrationsPath = flag.String("migrations", "./migrations", "Path to SQL migrations directory")
		logFile        = flag.String("logfile", "evermind.log", "Path to log file. If empty, logs to stderr")
		pretty         = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is empty)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := evlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("config", *configPath).
		Str("db", *dbPath).
		Str("dataDir", *dataDir).
		Msg("evermindd starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info().
		Str("summarizer", cfg.Summarizer).
		Str("embedder", cfg.Embedder).
		Msg("Loaded configuration")

	// ---------------------------
	// 1. Open SQLite + run migrations
	// ---------------------------

	logger.Info().Str("path", *dbPath).Msg("Initializing database")
	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.RunMigrations(db, *migrationsPath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// ---------------------------
	// 2. Embedder + vector index
	// ---------------------------

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	index, err := chromem.New(filepath.Clean(*dataDir), embedder, logger)
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}

	// ---------------------------
	// 3. Stores, summarizer, memory engine
	// ---------------------------

	store, err := memory.NewStore(db, index, logger)
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	states := memory.NewStateLedger(db, logger)
	profiles := memory.NewProfileStore(db, logger)

	summarizer, err := buildSummarizer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create summarizer: %w", err)
	}

	consolidator := memory.NewConsolidator(store, states, profiles, summarizer, memory.ConsolidatorConfig{
		RawThreshold:       cfg.Memory.RawThreshold,
		RawBatchSize:       cfg.Memory.RawBatchSize,
		RawMinBatch:        cfg.Memory.RawMinBatch,
		InsightThreshold:   cfg.Memory.InsightThreshold,
		InsightBatchSize:   cfg.Memory.InsightBatchSize,
		InsightMinBatch:    cfg.Memory.InsightMinBatch,
		InsightResetBuffer: cfg.Memory.InsightResetBuffer,
	}, logger)

	retriever := memory.NewRetriever(store, profiles, cfg.Memory.InsightK, cfg.Memory.RecentWindow, logger)
	manager := memory.NewManager(store, states, profiles, retriever, consolidator, logger)

	// ---------------------------
	// 4. Counter reconciliation schedule
	// ---------------------------

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Memory.ReconcileSchedule, func() {
		reconcileCounters(consolidator, logger)
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Memory.ReconcileSchedule, err)
	}
	scheduler.Start()
	logger.Info().Str("schedule", cfg.Memory.ReconcileSchedule).Msg("Counter reconciliation scheduled")

	// ---------------------------
	// 5. Serve MCP on stdio
	// ---------------------------

	srv := server.New(manager, version, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ServeStdio()
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			scheduler.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("Timed out waiting for reconciliation jobs to finish")
	}

	logger.Info().Msg("evermindd shutdown complete")
	return nil
}

func buildEmbedder(cfg *config.Config) (memory.Embedder, error) {
	switch cfg.Embedder {
	case "openai":
		return openai.NewEmbedder(openai.Model(cfg.OpenAI.EmbeddingModel), cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	case "ollama":
		return ollama.NewEmbedder(cfg.Ollama.Host, ollama.Model(cfg.Ollama.EmbeddingModel))
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Embedder)
	}
}

func buildSummarizer(cfg *config.Config, logger zerolog.Logger) (memory.Summarizer, error) {
	timeout := time.Duration(cfg.Memory.SummarizerTimeout) * time.Second
	switch cfg.Summarizer {
	case "openai":
		return memory.NewOpenAISummarizer(cfg.OpenAI.Model, cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Memory.SummarizerTokens, timeout, logger)
	case "anthropic":
		return memory.NewAnthropicSummarizer(cfg.Anthropic.Model, cfg.Anthropic.APIKey, int64(cfg.Memory.SummarizerTokens), timeout, logger)
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Summarizer)
	}
}

func reconcileCounters(consolidator *memory.Consolidator, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := consolidator.ReconcileCounters(ctx); err != nil {
		logger.Error().Err(err).Msg("Counter reconciliation failed")
	}
}
