package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldservice/internal/app"
	"fieldservice/internal/config"
	"fieldservice/internal/errors"
	"fieldservice/internal/logger"
	"fieldservice/internal/notify"
	"fieldservice/internal/sweep"
	"fieldservice/internal/telemetry"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, log, time.Minute)
	if err != nil {
		log.Fatalw("startup failed", logger.FieldError, err)
	}
	defer rt.Close()

	templates, err := notify.LoadTemplates(cfg.NotifyTemplates)
	if err != nil {
		log.Fatalw("load templates", logger.FieldError, err)
	}
	dispatcher := notify.NewDispatcher(rt.Store, rt.Store, notify.SendersFromConfig(cfg, log),
		templates, notify.ParseChannels(cfg.NotifyDefaults), log)
	consumer := notify.NewConsumer(cfg, rt.Queue, dispatcher, log)

	runner := sweep.New(cfg, rt.Engine, log)
	runner.Start(ctx)
	defer runner.Stop()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Infow("worker started",
		"visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial, "sweep_interval", cfg.SweepInterval)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("worker stopped", logger.FieldError, err)
	}
}
