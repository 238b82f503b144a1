package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/scriptdeck/scriptdeck/internal/config"
	"github.com/scriptdeck/scriptdeck/internal/gateway"
	"github.com/scriptdeck/scriptdeck/internal/process"
	"github.com/scriptdeck/scriptdeck/internal/registry"
	"github.com/scriptdeck/scriptdeck/internal/session"
	"github.com/scriptdeck/scriptdeck/internal/sshexec"
	"github.com/scriptdeck/scriptdeck/internal/telemetry"
	"github.com/scriptdeck/scriptdeck/internal/workflow"
)

func main() {
	// Load .env if present (no error if missing - production uses real env vars)
	_ = godotenv.Load()

	configPath := flag.String("config", "scriptdeck.yaml", "path to config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("starting scriptdeck daemon",
		"addr", cfg.Server.Addr,
		"ws_path", cfg.Server.WebSocketPath,
		"scripts_dir", cfg.Scripts.Dir,
	)

	store, err := registry.Open(ctx, registry.Config{
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
		AutoMigrate: cfg.Database.AutoMigrate,
	}, logger)
	if err != nil {
		logger.Error("failed to open execution registry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Error("failed to close execution registry", "error", cerr)
		}
	}()

	tel := telemetry.New(cfg.Telemetry.APIKey, cfg.Telemetry.Endpoint)
	defer tel.Close()

	dialer := sshexec.NewDialer(logger)
	dialer.ConnectTimeout = cfg.SSH.DialTimeout

	engine := &workflow.Engine{
		Sessions: session.NewRegistry(),
		Registry: store,
		SSH:      dialer,
		Local: process.LocalConfig{
			ScriptsDir: cfg.Scripts.Dir,
			Shell:      cfg.Scripts.Shell,
		},
		Telemetry:   tel,
		Logger:      logger,
		SettleDelay: cfg.Workflow.SettleDelay,
	}

	gw := gateway.New(engine, cfg.Server.WebSocketPath, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(gw.Middleware)
	r.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		logger.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", "error", err)
		_ = httpSrv.Close()
	} else {
		logger.Info("HTTP server shut down gracefully")
	}
}

func setupLogger(levelStr, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
