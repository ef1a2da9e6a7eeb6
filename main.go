package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contextengine/internal/config"
	"contextengine/internal/httpapi"
	"contextengine/internal/logger"
	"contextengine/internal/orchestrator"
)

var version = "dev"

func main() {
	logger.Banner(version)

	cfg := config.Load()

	eng, err := orchestrator.New(cfg)
	if err != nil {
		logger.Error("Orchestrator", fmt.Sprintf("init failed: %v", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Error("Orchestrator", fmt.Sprintf("start failed: %v", err))
		os.Exit(1)
	}

	handler := httpapi.Handler(eng, eng.ExchangeClient())

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	go func() {
		<-ctx.Done()
		logger.Info("Server", "shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), orchestrator.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server", fmt.Sprintf("shutdown error: %v", err))
		}
		if err := eng.Shutdown(); err != nil {
			logger.Error("Orchestrator", fmt.Sprintf("shutdown error: %v", err))
		}
	}()

	logger.Server(cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server", fmt.Sprintf("failed: %v", err))
		os.Exit(1)
	}
	logger.Info("Server", "stopped")
}
