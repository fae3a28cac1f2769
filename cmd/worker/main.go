package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/app"
	"github.com/unclebandit/broker-notify/internal/config"
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
	if cfg.AMQPURL == "" {
		logger.Fatal("AMQP_URL is required for the worker")
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
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}

	// Cancelling ctx stops runs at their next step. They stay running and
	// the next worker to start recovers them from their checkpoints.
	worker := service.NewWorker(ctx, a.Service, q, cfg.RunQueue, logger)
	if err := worker.Start(); err != nil {
		logger.Fatal("failed to register consumer", zap.Error(err))
	}
	if _, err := a.Service.Recover(ctx); err != nil {
		logger.Error("failed to recover interrupted runs", zap.Error(err))
	}

	logger.Info("worker running, waiting for runs", zap.String("queue", cfg.RunQueue))
	consumerLost := false
	select {
	case <-ctx.Done():
		logger.Info("worker stopping")
	case <-a.AMQP.Done():
		consumerLost = true
		logger.Error("consumer stopped, draining runs before exit")
		stop()
	}

	worker.Wait()
	if consumerLost {
		_ = a.Close()
		logger.Fatal("exiting so the worker is restarted with a new consumer")
	}
}
