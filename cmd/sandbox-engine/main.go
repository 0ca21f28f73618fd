package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p-arndt/sandbox-engine/internal/api"
	"github.com/p-arndt/sandbox-engine/internal/config"
	"github.com/p-arndt/sandbox-engine/internal/governor"
	"github.com/p-arndt/sandbox-engine/internal/history"
	"github.com/p-arndt/sandbox-engine/internal/isolation"
	"github.com/p-arndt/sandbox-engine/internal/reaper"
	"github.com/p-arndt/sandbox-engine/internal/registry"
	"github.com/p-arndt/sandbox-engine/internal/supervisor"
)

func main() {
	// Must run before flag.Parse or anything else: a re-exec'd copy of
	// this same binary is how the Process Supervisor drops privileges,
	// and it must dispatch here instead of starting the daemon.
	supervisor.MaybeExecChildInit()

	cfgPath := flag.String("config", "", "path to sandbox-engine.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	reg := registry.New(cfg.RegistryDir)
	if err := reg.Load(); err != nil {
		logger.Error("load runtime registry", "error", err)
		os.Exit(1)
	}
	logger.Info("runtime registry loaded", "dir", cfg.RegistryDir, "count", len(reg.List()))

	provider := isolation.New(logger, cfg.Isolation.Root, cfg.Isolation.Slots, cfg.Isolation.BaseUID, cfg.Isolation.BaseGID)
	if err := provider.Open(); err != nil {
		logger.Error("open isolation provider", "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	gov := governor.New(cfg.Concurrency.PerClientCap, cfg.Concurrency.GlobalCap, cfg.Concurrency.RatePerSec, cfg.Concurrency.RateBurst)

	hist, err := history.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("open job history", "error", err)
		os.Exit(1)
	}
	defer hist.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpr := reaper.New(provider, 30*time.Second, logger)
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, reg, provider, gov, hist, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // a run phase can legitimately take minutes
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  sandbox-engine daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
