// Command api serves the Clipped Set HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/api"
	"github.com/dharsanguruparan/clippedset/internal/app"
	"github.com/dharsanguruparan/clippedset/internal/auth"
	"github.com/dharsanguruparan/clippedset/internal/clips"
	"github.com/dharsanguruparan/clippedset/internal/config"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/processing"
	"github.com/dharsanguruparan/clippedset/internal/query"
	"github.com/dharsanguruparan/clippedset/internal/queue"
	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/dharsanguruparan/clippedset/internal/upload"
	"github.com/dharsanguruparan/clippedset/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
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

	var (
		orch *jobs.Orchestrator
		pool *processing.Pool
	)
	if cfg.StoreMode == config.StoreMemory {
		// No Redis in memory mode: jobs run on an in-process pool. The pool and
		// the processor refer to each other through the orchestrator.
		var proc *worker.Processor
		pool = processing.New(func(ctx context.Context, p queue.Payload, final bool) error {
			return proc.Process(ctx, p, final)
		}, cfg.WorkerConcurrency, cfg.TaskMaxRetry, logger)
		orch = stack.Orchestrator(pool)
		proc = stack.Processor(orch)
		pool.Start(ctx)
	} else {
		orch = stack.Orchestrator(stack.AsynqDispatcher())
	}

	if pool != nil {
		// The asynq worker owns the sweep otherwise.
		sweeper, err := jobs.NewSweeper(orch, cfg.StaleThreshold, cfg.SweepInterval, logger)
		if err != nil {
			logger.Error("schedule sweeper", "error", err)
			os.Exit(1)
		}
		sweeper.Start(ctx)
	}

	srvCfg := api.ServerConfig{
		Address:      cfg.Address,
		Auth:         auth.NewProvider(cfg.JWTSecret, 24*time.Hour),
		Users:        stack.Store,
		Uploads:      upload.New(stack.Store, stack.Objects, orch, cfg, logger),
		Orchestrator: orch,
		Query:        query.New(stack.Store, stack.Materializer(), stack.Objects, logger),
		Clips:        clips.New(stack.Store, logger),
		Trigger:      signing.NewSigner(cfg.TriggerSecret),
		Logger:       logger,
		StartTime:    time.Now(),
	}
	if stack.MemoryObjects != nil {
		srvCfg.Objects = stack.MemoryObjects
	}

	if err := api.NewServer(srvCfg).Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		pool.Wait()
	}
}
