package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/application/factories/infrastructure"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/config"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/identity"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/retrofeed"
)

func main() {
	once := flag.Bool("once", false, "run a single batch and exit")
	flag.Parse()

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

	svc := retrofeed.New(retrofeed.Config{
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

	if *once {
		n, err := svc.RunOnce(ctx)
		if err != nil {
			logger.Error("retrofeed batch failed", "error", err)
			os.Exit(1)
		}
		logger.Info("retrofeed batch done", "requeued", n)
		return
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("retrofeed stopped with error", "error", err)
	}
	logger.Info("retrofeed exited")
}
