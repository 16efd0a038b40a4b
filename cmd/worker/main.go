package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inferflow-go/internal/worker/agent"
	"github.com/inferflow-go/internal/worker/executor"
	"github.com/inferflow-go/internal/worker/server"
	"github.com/inferflow-go/pkg/config"
	"github.com/inferflow-go/pkg/gpu"
	"github.com/inferflow-go/pkg/logger"
	"gopkg.in/yaml.v3"
)

func main() {
	cfg, err := config.Load("worker")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	probe := gpu.Detect(log)
	exec := executor.NewLocalExecutor(log)

	a := agent.New(cfg.Worker, exec, probe, log)
	srv := server.New(cfg, a, log)

	// Config snapshot for external tooling; nothing here reads it back.
	if cfg.Worker.SnapshotPath != "" {
		writeSnapshot(cfg, log)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.Start(ctx); err != nil {
		cancel()
		log.Error("Worker failed to start", "error", err, "state", a.State().String())
		os.Exit(1)
	}
	cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Worker server failed", "error", err, "state", a.State().String())
			os.Exit(1)
		}
	case <-quit:
	}

	log.Info("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Worker server forced to shutdown", "error", err)
	}
	if err := a.Stop(shutdownCtx); err != nil {
		log.Error("Agent stop failed", "error", err)
	}

	log.Info("Worker exited", "state", a.State().String())
}

func writeSnapshot(cfg *config.Config, log logger.Logger) {
	data, err := yaml.Marshal(cfg.Snapshot())
	if err != nil {
		log.Warn("Failed to marshal config snapshot", "error", err)
		return
	}
	if err := os.WriteFile(cfg.Worker.SnapshotPath, data, 0o644); err != nil {
		log.Warn("Failed to write config snapshot", "path", cfg.Worker.SnapshotPath, "error", err)
	}
}
