package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/application/factories/infrastructure"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/config"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/delivery"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/identity"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/notify"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/worker"
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

	identityCfg := identity.Config{
		Salt:            cfg.Delivery.EventIDSalt,
		DropOlderDays:   cfg.Facebook.DropOlderThanDays,
		SendLeadOn:      cfg.Delivery.SendLeadOn,
		SendSubscribeOn: cfg.Delivery.SendSubscribeOn,
	}

	httpClient := &http.Client{
		Timeout: time.Duration(cfg.Delivery.HTTPTimeoutSec) * time.Second,
	}
	fbSink := delivery.NewFacebookSink(delivery.FacebookConfig{
		PixelID:       cfg.Facebook.PixelID,
		AccessToken:   cfg.Facebook.AccessToken,
		APIVersion:    cfg.Facebook.APIVersion,
		TestEventCode: cfg.Facebook.TestEventCode,
		ActionSource:  cfg.Facebook.ActionSource,
		DropOlderDays: cfg.Facebook.DropOlderThanDays,
		Salt:          cfg.Delivery.EventIDSalt,
		RetryMax:      cfg.Facebook.RetryMax,
	}, httpClient, logger)
	ga4Sink := delivery.NewGA4Sink(delivery.GA4Config{
		MeasurementID:  cfg.GA4.MeasurementID,
		APISecret:      cfg.GA4.APISecret,
		ClientIDPrefix: cfg.GA4.ClientIDPrefix,
		RetryMax:       cfg.GA4.RetryMax,
	}, httpClient, logger)

	deliverer := delivery.New(delivery.Config{
		RetryMax:      cfg.Delivery.RetryMax,
		RetryBase:     cfg.Delivery.RetryBase,
		AutoSubscribe: cfg.Facebook.AutoSubscribe,
	}, logger, fbSink, ga4Sink)

	notifier := notify.New(nil, logger)
	if producer := infraFactory.Kafka(); producer != nil {
		notifier = notify.New(producer, logger)
		logger.Info("outcome notifier enabled", "topic", producer.Topic())
	}

	reclaimer := worker.NewReclaimer(worker.ReclaimConfig{
		MinIdle:  time.Duration(cfg.Reclaim.MinIdleMS) * time.Millisecond,
		Batch:    cfg.Reclaim.Batch,
		Interval: time.Duration(cfg.Reclaim.IntervalSec) * time.Second,
	}, st, logger)

	pool := worker.New(worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		ReadCount:     cfg.Worker.ReadCount,
		ReadBlock:     time.Duration(cfg.Worker.ReadBlockMS) * time.Millisecond,
		QueueFactor:   cfg.Worker.QueueFactor,
		ShutdownGrace: time.Duration(cfg.Worker.ShutdownGraceSec) * time.Second,
		ConsumerName:  cfg.Stream.ConsumerName(),
		Identity:      identityCfg,
	}, worker.Deps{
		Stream:    st,
		Leads:     leads,
		Deliverer: deliverer,
		Notifier:  notifier,
		Reclaimer: reclaimer,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.Worker.MetricsPort,
		Handler: mux,
	}
	go func() {
		logger.Info("worker metrics listening", "port", cfg.Worker.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listen failed", "error", err)
		}
	}()

	if err := pool.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	logger.Info("worker exited")
}
