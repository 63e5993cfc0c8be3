package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/api"
	"codegen-autofix/internal/config"
	"codegen-autofix/internal/fixloop"
	"codegen-autofix/internal/generator"
	"codegen-autofix/internal/monitor"
	"codegen-autofix/internal/runtime"
	"codegen-autofix/internal/sandbox"
	"codegen-autofix/internal/storage"
)

func main() {
	// The process backend re-executes this binary as the sandbox init stage.
	sandbox.MaybeRunInit()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	runtimes := runtime.NewRegistry(cfg.Sandbox.PythonPath)
	backend, err := sandbox.NewBackend(ctx, cfg, runtimes)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Sandbox.Backend).Msg("no sandbox backend available")
	}

	executor := sandbox.NewExecutor(backend, sandbox.ExecutorConfig{
		Language:      cfg.Sandbox.Language,
		Timeout:       cfg.Sandbox.DefaultTimeout,
		Limits:        sandbox.LimitsFromConfig(cfg.Sandbox.DefaultLimits),
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Metrics:       metrics,
		Tracer:        tracer,
		Detector:      monitor.NewEscapeDetector(),
	})

	gen := generator.NewOpenAI(cfg.Generator, metrics, tracer)
	if cfg.Generator.APIKey == "" && cfg.Generator.BaseURL == "" {
		log.Warn().Msg("generator not configured: set GENERATOR_BASE_URL or GENERATOR_API_KEY; /generate will return 503")
	}

	orchestrator := fixloop.New(gen, executor, fixloop.Config{
		DefaultAttempts:  cfg.FixLoop.DefaultAttempts,
		AttemptCeiling:   cfg.FixLoop.MaxAttempts,
		MaxTokens:        cfg.Generator.MaxTokens,
		Temperature:      cfg.Generator.Temperature,
		RetryTemperature: cfg.Generator.RetryTemperature,
		SystemPrompt:     cfg.Generator.SystemPrompt,
		Metrics:          metrics,
		Tracer:           tracer,
	})

	deps := api.Deps{
		Executor: executor,
		Fixer:    orchestrator,
		Metrics:  metrics,
	}

	// The database is optional; without it runs are not audited.
	var db *storage.DB
	var auditWriter *storage.AuditWriter
	if cfg.Database.DSN != "" {
		db, err = openDatabase(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
			auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
			auditWriter.Start()
			defer auditWriter.Flush(10 * time.Second)
			deps.Store = db
			deps.Audit = auditWriter
		}
	}

	server := api.NewServer(cfg, deps)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := gen.Close(); err != nil {
			log.Error().Err(err).Msg("generator close error")
		}
		if err := executor.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", executor.Backend()).
		Str("model", cfg.Generator.Model).
		Bool("db_enabled", db != nil).
		Bool("tracing", tracer != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*storage.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := storage.New(connectCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(connectCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
