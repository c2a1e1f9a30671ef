package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/api"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/application/factories/infrastructure"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/config"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/usecase"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	st, err := infraFactory.Stream(ctx)
	if err != nil {
		logger.Error("failed to init stream", "error", err)
		os.Exit(1)
	}

	leads, err := infraFactory.Leads(ctx)
	if err != nil {
		logger.Error("failed to init lead store", "error", err)
		os.Exit(1)
	}

	enqueueLeadUC := usecase.NewEnqueueLead(st)
	leadStatusUC := usecase.NewLeadStatus(redisClient, leads)

	handlers := api.NewHandlers(enqueueLeadUC, leadStatusUC, logger)
	router := api.NewRouter(handlers, redisClient)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: router,
	}

	go func() {
		logger.Info("bridge listening", "port", cfg.HTTP.Port, "stream", cfg.Stream.Name)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down bridge")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("bridge exited")
}
