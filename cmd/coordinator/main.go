package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inferflow-go/internal/coordinator/server"
	"github.com/inferflow-go/pkg/config"
	"github.com/inferflow-go/pkg/logger"
)

func main() {
	cfg, err := config.Load("coordinator")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create coordinator", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Coordinator server failed", "error", err)
			os.Exit(1)
		}
	case <-quit:
	}

	log.Info("Shutting down coordinator...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Coordinator forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Coordinator exited")
}
