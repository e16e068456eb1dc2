// Package app wires the storage, object and event backends selected by
// configuration. The binaries under cmd/ share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"

	"github.com/dharsanguruparan/clippedset/internal/api"
	"github.com/dharsanguruparan/clippedset/internal/artifacts"
	"github.com/dharsanguruparan/clippedset/internal/config"
	"github.com/dharsanguruparan/clippedset/internal/database"
	"github.com/dharsanguruparan/clippedset/internal/detect"
	"github.com/dharsanguruparan/clippedset/internal/events"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/queue"
	"github.com/dharsanguruparan/clippedset/internal/repository"
	"github.com/dharsanguruparan/clippedset/internal/s3storage"
	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/dharsanguruparan/clippedset/internal/storage"
	"github.com/dharsanguruparan/clippedset/internal/worker"
)

// ObjectStore is the full object API both backends provide.
type ObjectStore interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (s3storage.ObjectInfo, error)
	Remove(ctx context.Context, key string) error
}

var (
	_ ObjectStore = (*s3storage.Storage)(nil)
	_ ObjectStore = (*s3storage.Memory)(nil)
)

// Stack holds the opened backends.
type Stack struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     repository.Store
	Objects   ObjectStore
	Publisher events.Publisher
	// MemoryObjects is set in memory mode so the API can serve object URLs.
	MemoryObjects *s3storage.Memory

	db      *sql.DB
	nats    *nats.Conn
	closers []func()
}

// Open connects the relational store, object storage and event bus. In
// memory mode nothing external is dialed except NATS when a URL is set.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	s := &Stack{Config: cfg, Logger: logger}
	if err := s.openStore(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openObjects(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openEvents(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) openStore(ctx context.Context) error {
	if s.Config.StoreMode == config.StoreMemory {
		s.Store = storage.NewMemoryStore()
		s.Logger.Warn("using in-memory store; data is lost on restart")
		return nil
	}
	pool, err := database.Connect(ctx, s.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database.OpenDB(pool)
	s.closers = append(s.closers, func() {
		_ = s.db.Close()
		pool.Close()
	})
	if err := database.Migrate(ctx, s.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.Store = repository.NewPostgresStore(s.db)
	return nil
}

func (s *Stack) openObjects(ctx context.Context) error {
	if s.Config.StoreMode == config.StoreMemory {
		key := append([]byte("objects:"), s.Config.TriggerSecret...)
		mem := s3storage.NewMemory(s.Config.PublicURL+api.ObjectsPrefix, signing.NewSigner(key))
		s.Objects, s.MemoryObjects = mem, mem
		return nil
	}
	store, err := s3storage.New(s.Config)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	s.Objects = store
	return nil
}

func (s *Stack) openEvents() error {
	if s.Config.NATSURL == "" {
		s.Publisher = events.Noop{}
		return nil
	}
	nc, err := events.Connect(s.Config.NATSURL, s.Logger)
	if err != nil {
		return err
	}
	s.nats = nc
	s.closers = append(s.closers, func() { _ = nc.Drain() })
	s.Publisher = events.NewNATSPublisher(nc)
	return nil
}

// NATS returns the event connection, or nil when events are disabled.
func (s *Stack) NATS() *nats.Conn { return s.nats }

// Orchestrator builds the job orchestrator over the opened store.
func (s *Stack) Orchestrator(d queue.Dispatcher) *jobs.Orchestrator {
	return jobs.New(s.Store, d, s.Publisher, s.Logger, jobs.Options{MaxAttempts: s.Config.MaxAttempts})
}

// Materializer builds the artifact writer.
func (s *Stack) Materializer() *artifacts.Materializer {
	return artifacts.New(s.Store, s.Objects, artifacts.ManifestRenderer{}, s.Config.ArtifactURLTTL, s.Logger)
}

// Detector returns the remote detector when configured, otherwise the
// built-in static one.
func (s *Stack) Detector() detect.Detector {
	if s.Config.DetectorURL != "" {
		return detect.NewHTTPDetector(s.Config.DetectorURL, s.Config.DetectorTimeout, s.Logger)
	}
	s.Logger.Warn("no detector endpoint configured; using static detector")
	return detect.NewStatic()
}

// Processor builds the job processor used by the asynq worker and the
// in-process pool.
func (s *Stack) Processor(orch *jobs.Orchestrator) *worker.Processor {
	return worker.NewProcessor(orch, s.Store, s.Objects, s.Detector(), s.Materializer(), s.Logger)
}

// AsynqDispatcher builds a dispatcher on a new asynq client and inspector.
// Both are closed by Close.
func (s *Stack) AsynqDispatcher() *queue.AsynqDispatcher {
	client := asynq.NewClient(s.RedisOpt())
	inspector := asynq.NewInspector(s.RedisOpt())
	s.closers = append(s.closers, func() {
		_ = inspector.Close()
		_ = client.Close()
	})
	return queue.NewAsynqDispatcher(client, inspector, s.Config.TaskMaxRetry)
}

// RedisOpt is the asynq connection shared by the API client and the worker.
func (s *Stack) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: s.Config.RedisAddr}
}

// Close releases everything Open acquired, newest first.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
