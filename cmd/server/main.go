// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/app"
	"github.com/unclebandit/broker-notify/internal/config"
	"github.com/unclebandit/broker-notify/internal/controller"
	"github.com/unclebandit/broker-notify/internal/handler"
	"github.com/unclebandit/broker-notify/internal/queue"
	"github.com/unclebandit/broker-notify/internal/service"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	defer a.Close()

	q, err := a.UseQueue(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect queue", zap.Error(err))
	}
	var worker *service.Worker
	if a.AMQP == nil {
		// no broker: runs execute in this process
		worker = service.NewWorker(ctx, a.Service, q, cfg.RunQueue, logger)
		if err := worker.Start(); err != nil {
			logger.Fatal("failed to start worker", zap.Error(err))
		}
		logger.Info("in-process worker started", zap.String("topic", cfg.RunQueue))
		if _, err := a.Service.Recover(ctx); err != nil {
			logger.Error("failed to recover interrupted runs", zap.Error(err))
		}
	}

	campaignController := &controller.CampaignController{
		Runs:   a.Service,
		Logger: logger,
	}
	campaignHandler := &handler.CampaignHandler{
		Runs:   a.Service,
		DB:     a.DB.SQL,
		Logger: logger,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.NewRouter(campaignController, campaignHandler, a.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server running", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	if worker != nil {
		// runs stop at their next step; in-flight steps finish and are
		// checkpointed before storage closes
		logger.Info("waiting for running campaigns to checkpoint")
		worker.Wait()
		if mq, ok := q.(*queue.InMemoryQueue); ok {
			mq.Wait()
		}
	}
}
