// Command worker consumes detect and split tasks from Redis and sweeps stale
// jobs on a schedule.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/clippedset/internal/app"
	"github.com/dharsanguruparan/clippedset/internal/config"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.StoreMode == config.StoreMemory {
		log.Fatalf("worker needs postgres; memory mode runs jobs inside the api")
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer closeLog.Close()

	stack, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backends", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	orch := stack.Orchestrator(stack.AsynqDispatcher())
	processor := stack.Processor(orch)

	sweeper, err := jobs.NewSweeper(orch, cfg.StaleThreshold, cfg.SweepInterval, logger)
	if err != nil {
		logger.Error("schedule sweeper", "error", err)
		os.Exit(1)
	}
	sweeper.Start(ctx)

	server := asynq.NewServer(stack.RedisOpt(), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logging.NewAsynqLogger(logger),
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency)
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
