package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/admin"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/application/factories/infrastructure"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/config"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/identity"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/retrofeed"
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

	retro := retrofeed.New(retrofeed.Config{
		Batch:    cfg.Retrofeed.Batch,
		RetryMax: cfg.Retrofeed.RetryMax,
		Interval: time.Duration(cfg.Retrofeed.LoopIntervalSec) * time.Second,
		Identity: identity.Config{
			Salt:            cfg.Delivery.EventIDSalt,
			DropOlderDays:   cfg.Facebook.DropOlderThanDays,
			SendLeadOn:      cfg.Delivery.SendLeadOn,
			SendSubscribeOn: cfg.Delivery.SendSubscribeOn,
		},
	}, leads, st, logger)

	handlers := admin.NewHandlers(
		admin.Config{Token: cfg.Admin.Token},
		usecase.NewLeadStatus(redisClient, leads),
		usecase.NewGetStats(leads),
		usecase.NewTriggerRetrofeed(retro),
		redisClient,
		infraFactory.StorePing(),
		logger,
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Admin.Port,
		Handler: admin.NewRouter(handlers),
	}

	go func() {
		logger.Info("admin listening", "port", cfg.Admin.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down admin")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("admin exited")
}
