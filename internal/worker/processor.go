// Package worker executes detect and split jobs. The same Processor runs under
// asynq in the worker binary and under processing.Pool in memory mode.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/artifacts"
	"github.com/dharsanguruparan/clippedset/internal/detect"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/queue"
)

const mediaURLTTL = time.Hour

// UploadReader loads the upload a job belongs to.
type UploadReader interface {
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
}

// MediaSigner signs a read URL the detector can fetch the raw media from.
type MediaSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Materializer writes an upload's artifacts.
type Materializer interface {
	EnsureArtifacts(ctx context.Context, uploadID string) (artifacts.Artifacts, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	orch      *jobs.Orchestrator
	uploads   UploadReader
	media     MediaSigner
	detector  detect.Detector
	artifacts Materializer
	logger    *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(orch *jobs.Orchestrator, uploads UploadReader, media MediaSigner, detector detect.Detector, mat Materializer, logger *slog.Logger) *Processor {
	return &Processor{
		orch:      orch,
		uploads:   uploads,
		media:     media,
		detector:  detector,
		artifacts: mat,
		logger:    logging.WithComponent(logger, "worker"),
	}
}

// Handler registers the detect and split task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DetectTask, p.handleTask)
	mux.HandleFunc(queue.SplitTask, p.handleTask)
	return mux
}

func (p *Processor) handleTask(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.Decode(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return p.Process(ctx, payload, finalAttempt(ctx))
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}

// Process drives one job to a terminal state or returns a transient error so
// the caller retries it. When final is set, a transient failure fails the job.
// Fatal failures fail the job and wrap asynq.SkipRetry.
func (p *Processor) Process(ctx context.Context, payload queue.Payload, final bool) error {
	log := logging.WithJobID(p.logger, payload.JobID).With("upload_id", payload.UploadID)

	job, err := p.orch.Start(ctx, payload.JobID)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindConflict, apperr.KindNotFound:
			// Finished, recovered or deleted meanwhile; nothing left to do.
			log.Info("skipping job", "reason", err.Error())
			return nil
		}
		cause := apperr.TransientWorker("start job", err)
		if !final {
			return cause
		}
		// Leaving the job pending after the last try would strand it.
		log.Error("job failed to start", "error", err)
		if _, ferr := p.orch.Fail(ctx, payload.JobID, cause.Error()); ferr != nil {
			return errors.Join(cause, fmt.Errorf("record failure: %w", ferr))
		}
		return fmt.Errorf("job %s: %w: %w", payload.JobID, cause, asynq.SkipRetry)
	}

	switch job.Type {
	case model.JobSplit:
		err = p.split(ctx, job)
	default:
		err = p.detect(ctx, job, log)
	}
	if err == nil {
		return nil
	}
	return p.fail(ctx, job, err, final, log)
}

func (p *Processor) detect(ctx context.Context, job *model.Job, log *slog.Logger) error {
	u, err := p.uploads.GetUpload(ctx, job.UploadID)
	if err != nil {
		return apperr.TransientWorker("load upload", err)
	}
	url, err := p.media.PresignGet(ctx, u.StoragePath, mediaURLTTL)
	if err != nil {
		return apperr.TransientWorker("sign media url", err)
	}

	start := time.Now()
	result, err := p.detector.Detect(ctx, detect.MediaRef{UploadID: u.ID, StoragePath: u.StoragePath, URL: url})
	if err != nil {
		return err
	}
	if err := jobs.ValidateResult(result); err != nil {
		return apperr.FatalWorker("detector returned an invalid result", err)
	}

	if _, err := p.orch.Complete(ctx, job.ID, result); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			log.Warn("job changed state during detection; result dropped", "error", err)
			return nil
		}
		return apperr.TransientWorker("complete job", err)
	}
	log.Info("detection completed", "cuts", len(result.Cuts),
		"duration_seconds", result.DurationSeconds, "elapsed_ms", time.Since(start).Milliseconds())

	// The detail view regenerates a missing CSV, so this never fails the job.
	if _, err := p.artifacts.EnsureArtifacts(ctx, job.UploadID); err != nil {
		log.Warn("write artifacts failed", "error", err)
	}
	return nil
}

func (p *Processor) split(ctx context.Context, job *model.Job) error {
	if _, err := p.artifacts.EnsureArtifacts(ctx, job.UploadID); err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindConflict, apperr.KindNotFound:
			return apperr.FatalWorker("render clips", err)
		}
		return apperr.TransientWorker("render clips", err)
	}
	if _, err := p.orch.Complete(ctx, job.ID, model.DetectionResult{}); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil
		}
		return apperr.TransientWorker("complete job", err)
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, job *model.Job, cause error, final bool, log *slog.Logger) error {
	fatal := apperr.KindOf(cause) == apperr.KindFatalWorker
	if !fatal && !final {
		log.Warn("job attempt failed; will retry", "error", cause)
		if apperr.KindOf(cause) != apperr.KindTransientWorker {
			return apperr.TransientWorker("process job", cause)
		}
		return cause
	}

	log.Error("job failed", "error", cause, "fatal", fatal)
	if _, err := p.orch.Fail(ctx, job.ID, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	return fmt.Errorf("job %s: %w: %w", job.ID, cause, asynq.SkipRetry)
}
