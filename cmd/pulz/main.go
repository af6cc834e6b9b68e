package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antigravity-dev/pulz/internal/api"
	"github.com/antigravity-dev/pulz/internal/broadcast"
	"github.com/antigravity-dev/pulz/internal/classify"
	"github.com/antigravity-dev/pulz/internal/config"
	"github.com/antigravity-dev/pulz/internal/mission"
	"github.com/antigravity-dev/pulz/internal/runner"
	"github.com/antigravity-dev/pulz/internal/store"
	"github.com/antigravity-dev/pulz/internal/telemetry"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "pulz.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("pulz starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath(), "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Executions do not survive a restart; anything still marked in-flight
	// is dead.
	if failed, err := st.FailInterruptedExecutions(); err != nil {
		logger.Error("failed to reconcile interrupted executions", "error", err)
		os.Exit(1) //nolint:gocritic // exitAfterDefer: acceptable in main() startup
	} else if failed > 0 {
		logger.Warn("marked interrupted executions failed", "count", failed)
	}

	if err := os.MkdirAll(cfg.ExecutionOutputDir(), 0o755); err != nil {
		logger.Error("failed to create artifact dirs", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := broadcast.New()
	recorder := telemetry.NewRecorder(st, logger)
	state := mission.NewState()

	var ollama *classify.Ollama
	if cfg.Ollama.URL != "" {
		ollama = classify.NewOllama(cfg.Ollama.Model, cfg.Ollama.URL, cfg.Ollama.Timeout.Duration)
	}
	classifier := classify.New(ollama, logger)

	run := runner.New(st, recorder, broadcaster, cfg.ExecutionOutputDir(), state.ExecutionBlocked, logger)
	engine := mission.NewEngine(cfg, st, state, classifier, recorder, broadcaster, run, logger)
	server := api.NewServer(cfg, st, engine, run, broadcaster, recorder, logger)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		engine.Stop()
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.Error("api server error", "error", err)
		os.Exit(1)
	}
	logger.Info("pulz stopped")
}
