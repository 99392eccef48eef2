package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldservice/internal/api"
	"fieldservice/internal/app"
	"fieldservice/internal/config"
	"fieldservice/internal/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, log, time.Minute)
	if err != nil {
		log.Fatalw("startup failed", logger.FieldError, err)
	}
	defer rt.Close()

	if cfg.BillingWebhookSecret == "" {
		log.Warnw("BILLING_WEBHOOK_SECRET is empty; webhook deliveries will be rejected")
	}

	server := api.New(rt.Engine, rt.Queue, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("api listening", "addr", httpServer.Addr, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", logger.FieldError, err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", logger.FieldError, err)
	}
}
