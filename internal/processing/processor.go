// Package processing runs queued jobs on an in-process goroutine pool. It
// stands in for Redis and asynq when the service runs in memory mode.
package processing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/queue"
)

// ErrQueueFull is returned by Dispatch when the buffer is saturated. The job
// stays pending and the stale sweeper dispatches it again later.
var ErrQueueFull = errors.New("processing queue full")

// HandlerFunc processes one payload. final is true on the last permitted try.
type HandlerFunc func(ctx context.Context, p queue.Payload, final bool) error

// Pool consumes payloads on a fixed number of workers, retrying transient
// failures up to maxRetry times.
type Pool struct {
	handler  HandlerFunc
	queue    chan queue.Payload
	workers  int
	maxRetry int
	backoff  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{} // queued or running job ids
}

// New builds a Pool with queue capacity tied to worker count.
func New(handler HandlerFunc, workers, maxRetry int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Pool{
		handler:  handler,
		queue:    make(chan queue.Payload, workers*16),
		workers:  workers,
		maxRetry: maxRetry,
		backoff:  time.Second,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}
}

var _ queue.Dispatcher = (*Pool)(nil)

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch queues a job without blocking. A job that is already queued or
// running is not queued again.
func (p *Pool) Dispatch(_ context.Context, j model.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[j.ID]; ok {
		return nil
	}
	select {
	case p.queue <- queue.PayloadFor(j):
		p.pending[j.ID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) release(jobID string) {
	p.mu.Lock()
	delete(p.pending, jobID)
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.queue:
			p.run(ctx, payload)
		}
	}
}

func (p *Pool) run(ctx context.Context, payload queue.Payload) {
	defer p.release(payload.JobID)
	for try := 0; ; try++ {
		final := try >= p.maxRetry
		err := p.handler(ctx, payload, final)
		if err == nil || final || apperr.KindOf(err) != apperr.KindTransientWorker {
			if err != nil {
				p.logger.Warn("job ended with error", "job_id", payload.JobID, "error", err)
			}
			return
		}
		p.logger.Info("retrying job", "job_id", payload.JobID, "retry", try+1, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff * time.Duration(try+1)):
		}
	}
}
