// Package jobs owns the job state machine: enqueueing, start, completion,
// failure, explicit retry and recovery of jobs stuck in processing.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/events"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/queue"
	"github.com/dharsanguruparan/clippedset/internal/repository"
)

// TimeoutMessage is recorded on jobs failed by RecoverStale.
const TimeoutMessage = "processing timeout"

const defaultMaxAttempts = 3

// Options tunes the orchestrator.
type Options struct {
	// MaxAttempts caps how many detect attempts RecoverStale will create for
	// one upload before giving up and failing it.
	MaxAttempts int
}

// Orchestrator drives job transitions against a Store. Each transition runs
// in one transaction; events and dispatch happen after commit.
type Orchestrator struct {
	store       repository.Store
	dispatcher  queue.Dispatcher
	events      events.Publisher
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
	newID       func() string
}

func New(store repository.Store, dispatcher queue.Dispatcher, publisher events.Publisher, logger *slog.Logger, opts Options) *Orchestrator {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Orchestrator{
		store:       store,
		dispatcher:  dispatcher,
		events:      publisher,
		logger:      logging.WithComponent(logger, "jobs"),
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Enqueue creates a pending job of the given type and dispatches it. A
// detect job needs an upload that is still pending or processing; a split job
// needs a completed one.
func (o *Orchestrator) Enqueue(ctx context.Context, uploadID string, jobType model.JobType) (*model.Job, error) {
	if !jobType.Valid() {
		return nil, apperr.Validation("unknown job type %q", jobType)
	}
	var (
		job    *model.Job
		upload *model.Upload
	)
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		u, err := getUpload(ctx, tx, uploadID)
		if err != nil {
			return err
		}
		if err := checkEnqueueable(u, jobType); err != nil {
			return err
		}
		j, err := o.EnqueueTx(ctx, tx, u.ID, jobType)
		if err != nil {
			return err
		}
		job, upload = j, u
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Dispatch(ctx, upload, *job)
	return job, nil
}

func checkEnqueueable(u *model.Upload, t model.JobType) error {
	switch t {
	case model.JobDetect:
		if u.Status != model.UploadPending && u.Status != model.UploadProcessing {
			return apperr.Conflict("upload %s is %s; detect jobs need a pending upload", u.ID, u.Status)
		}
	case model.JobSplit:
		if u.Status != model.UploadCompleted {
			return apperr.Conflict("upload %s is %s; split jobs need a completed upload", u.ID, u.Status)
		}
	}
	return nil
}

// EnqueueTx inserts a pending job inside an existing transaction. Its attempt
// number follows the highest attempt of the same type. The caller must call
// Dispatch after the transaction commits.
func (o *Orchestrator) EnqueueTx(ctx context.Context, tx repository.Repository, uploadID string, jobType model.JobType) (*model.Job, error) {
	existing, err := tx.ListJobsByUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	attempt := 1
	for _, j := range existing {
		if j.Type == jobType && j.Attempt >= attempt {
			attempt = j.Attempt + 1
		}
	}
	job := &model.Job{
		ID:       o.newID(),
		UploadID: uploadID,
		Type:     jobType,
		Status:   model.JobPending,
		Attempt:  attempt,
		QueuedAt: o.now(),
	}
	if err := tx.InsertJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return nil, apperr.Conflict("upload %s already has an active %s job", uploadID, jobType)
		}
		return nil, err
	}
	return job, nil
}

// Dispatch announces a freshly committed job and hands it to the dispatcher.
// A dispatch failure leaves the job pending for RecoverStale to pick up.
func (o *Orchestrator) Dispatch(ctx context.Context, upload *model.Upload, job model.Job) {
	o.publish(ctx, events.JobQueued, upload, job)
	if o.dispatcher == nil {
		return
	}
	if err := o.dispatcher.Dispatch(ctx, job); err != nil {
		logging.WithJobID(o.logger, job.ID).Warn("dispatch failed; job left pending for recovery",
			"upload_id", job.UploadID, "error", err)
	}
}

// Redispatch hands the upload's active job of the given type to the
// dispatcher again. It backs the service trigger endpoint.
func (o *Orchestrator) Redispatch(ctx context.Context, uploadID string, jobType model.JobType) (*model.Job, error) {
	if _, err := getUpload(ctx, o.store, uploadID); err != nil {
		return nil, err
	}
	jobs, err := o.store.ListJobsByUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Type != jobType || !j.Status.Active() {
			continue
		}
		if o.dispatcher != nil {
			if err := o.dispatcher.Dispatch(ctx, j); err != nil {
				return nil, fmt.Errorf("dispatch job %s: %w", j.ID, err)
			}
		}
		return &j, nil
	}
	return nil, apperr.Conflict("upload %s has no active %s job", uploadID, jobType)
}

// Start moves a pending job to processing and its upload from pending to
// processing. Starting a job that is already processing is a no-op.
func (o *Orchestrator) Start(ctx context.Context, jobID string) (*model.Job, error) {
	var (
		job     model.Job
		upload  *model.Upload
		started bool
	)
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		j, err := getJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		switch j.Status {
		case model.JobProcessing:
			job = *j
			return nil
		case model.JobCompleted, model.JobFailed:
			return apperr.Conflict("job %s is already %s", j.ID, j.Status)
		}

		u, err := getUpload(ctx, tx, j.UploadID)
		if err != nil {
			return err
		}
		if j.Type == model.JobDetect {
			switch u.Status {
			case model.UploadPending:
				if err := tx.UpdateUploadStatus(ctx, u.ID, model.UploadProcessing, nil); err != nil {
					return err
				}
				u.Status = model.UploadProcessing
			case model.UploadProcessing:
			default:
				return apperr.Conflict("upload %s is %s", u.ID, u.Status)
			}
		}

		now := o.now()
		j.Status = model.JobProcessing
		j.StartedAt = &now
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		job, upload, started = *j, u, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		o.publish(ctx, events.JobStarted, upload, job)
	}
	return &job, nil
}

// ValidateResult checks a detection result before it is persisted: finite
// non-negative duration, cuts inside [0, duration], end not before start and
// confidence within [0, 1].
func ValidateResult(r model.DetectionResult) error {
	if math.IsNaN(r.DurationSeconds) || math.IsInf(r.DurationSeconds, 0) || r.DurationSeconds < 0 {
		return apperr.Validation("duration must be a non-negative number")
	}
	for i, c := range r.Cuts {
		if math.IsNaN(c.StartTime) || c.StartTime < 0 || c.StartTime > r.DurationSeconds {
			return apperr.Validation("cut %d: start %.3f outside [0, %.3f]", i, c.StartTime, r.DurationSeconds)
		}
		if c.EndTime != nil && (math.IsNaN(*c.EndTime) || *c.EndTime < c.StartTime || *c.EndTime > r.DurationSeconds) {
			return apperr.Validation("cut %d: end %.3f outside [%.3f, %.3f]", i, *c.EndTime, c.StartTime, r.DurationSeconds)
		}
		if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
			return apperr.Validation("cut %d: confidence %.3f outside [0, 1]", i, c.Confidence)
		}
	}
	return nil
}

// Complete finishes a processing job. For a detect job the upload's cuts are
// replaced, its duration set and its status moved to completed in the same
// transaction as the job update, so readers see all of it or none of it.
func (o *Orchestrator) Complete(ctx context.Context, jobID string, result model.DetectionResult) (*model.Job, error) {
	var (
		job    model.Job
		upload *model.Upload
	)
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		j, err := getJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != model.JobProcessing {
			return apperr.Conflict("job %s is %s, not processing", j.ID, j.Status)
		}
		u, err := getUpload(ctx, tx, j.UploadID)
		if err != nil {
			return err
		}
		now := o.now()

		if j.Type == model.JobDetect {
			if err := ValidateResult(result); err != nil {
				return err
			}
			if !u.Status.CanTransition(model.UploadCompleted) {
				return apperr.Conflict("upload %s is %s", u.ID, u.Status)
			}
			if err := tx.ReplaceCuts(ctx, u.ID, o.buildCuts(u.ID, result.Cuts, now)); err != nil {
				return err
			}
			duration := result.DurationSeconds
			if err := tx.UpdateUploadStatus(ctx, u.ID, model.UploadCompleted, &duration); err != nil {
				return err
			}
			u.Status = model.UploadCompleted
			u.DurationSeconds = &duration
		}

		j.Status = model.JobCompleted
		j.CompletedAt = &now
		j.ErrorMessage = nil
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		job, upload = *j, u
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, events.JobCompleted, upload, job)
	return &job, nil
}

func (o *Orchestrator) buildCuts(uploadID string, candidates []model.CutCandidate, now time.Time) []model.Cut {
	cuts := make([]model.Cut, 0, len(candidates))
	for _, c := range candidates {
		cut := model.Cut{
			ID:         o.newID(),
			UploadID:   uploadID,
			StartTime:  c.StartTime,
			Confidence: c.Confidence,
			CreatedAt:  now,
		}
		if c.EndTime != nil {
			end := *c.EndTime
			cut.EndTime = &end
		}
		if c.Type != "" {
			typ := c.Type
			cut.Type = &typ
		}
		cuts = append(cuts, cut)
	}
	sort.SliceStable(cuts, func(i, j int) bool { return cuts[i].StartTime < cuts[j].StartTime })
	return cuts
}

// Fail marks an active job failed with detail. The upload follows to failed
// only when no other job of the upload is still active. Failing a job that
// already finished is a no-op.
func (o *Orchestrator) Fail(ctx context.Context, jobID, detail string) (*model.Job, error) {
	var (
		job    model.Job
		upload *model.Upload
		failed bool
	)
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		j, err := getJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !j.Status.Active() {
			job = *j
			return nil
		}
		u, err := o.failTx(ctx, tx, j, detail)
		if err != nil {
			return err
		}
		job, upload, failed = *j, u, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failed {
		o.publish(ctx, events.JobFailed, upload, job)
	}
	return &job, nil
}

// failTx fails j and, when nothing else is running for the upload, the upload.
func (o *Orchestrator) failTx(ctx context.Context, tx repository.Repository, j *model.Job, detail string) (*model.Upload, error) {
	now := o.now()
	msg := detail
	j.Status = model.JobFailed
	j.ErrorMessage = &msg
	j.CompletedAt = &now
	if err := tx.UpdateJob(ctx, j); err != nil {
		return nil, err
	}

	u, err := getUpload(ctx, tx, j.UploadID)
	if err != nil {
		return nil, err
	}
	siblings, err := tx.ListJobsByUpload(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.ID != j.ID && s.Status.Active() {
			return u, nil
		}
	}
	if u.Status.CanTransition(model.UploadFailed) {
		if err := tx.UpdateUploadStatus(ctx, u.ID, model.UploadFailed, nil); err != nil {
			return nil, err
		}
		u.Status = model.UploadFailed
	}
	return u, nil
}

// Retry creates a new detect job for a failed upload owned by userID. Missing
// and foreign uploads both report NotFound.
func (o *Orchestrator) Retry(ctx context.Context, userID, uploadID string) (*model.Job, error) {
	var (
		job    *model.Job
		upload *model.Upload
	)
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		u, err := getUpload(ctx, tx, uploadID)
		if err != nil {
			return err
		}
		if u.UserID != userID {
			return apperr.NotFound("upload not found")
		}
		if u.Status != model.UploadFailed {
			return apperr.Conflict("upload %s is %s; only failed uploads can be retried", u.ID, u.Status)
		}
		if err := tx.UpdateUploadStatus(ctx, u.ID, model.UploadPending, nil); err != nil {
			return err
		}
		u.Status = model.UploadPending
		j, err := o.EnqueueTx(ctx, tx, u.ID, model.JobDetect)
		if err != nil {
			return err
		}
		job, upload = j, u
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Dispatch(ctx, upload, *job)
	return job, nil
}

// RecoveryReport lists what one RecoverStale pass did, by job id.
type RecoveryReport struct {
	TimedOut     []string `json:"timed_out"`
	Requeued     []string `json:"requeued"`
	Exhausted    []string `json:"exhausted"`
	Redispatched []string `json:"redispatched"`
}

// RecoverStale fails jobs stuck in processing longer than threshold and
// enqueues a replacement while attempts remain. Pending jobs older than
// threshold are dispatched again.
func (o *Orchestrator) RecoverStale(ctx context.Context, threshold time.Duration) (RecoveryReport, error) {
	var report RecoveryReport
	cutoff := o.now().Add(-threshold)

	stuck, err := o.store.ListStaleJobs(ctx, model.JobProcessing, cutoff)
	if err != nil {
		return report, fmt.Errorf("list stuck jobs: %w", err)
	}
	for _, s := range stuck {
		if err := o.recoverJob(ctx, s.ID, cutoff, &report); err != nil {
			return report, fmt.Errorf("recover job %s: %w", s.ID, err)
		}
	}

	pending, err := o.store.ListStaleJobs(ctx, model.JobPending, cutoff)
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, p := range pending {
		if o.dispatcher == nil {
			break
		}
		if err := o.dispatcher.Dispatch(ctx, p); err != nil {
			logging.WithJobID(o.logger, p.ID).Warn("redispatch failed", "error", err)
			continue
		}
		report.Redispatched = append(report.Redispatched, p.ID)
	}

	if len(report.TimedOut)+len(report.Redispatched) > 0 {
		o.logger.Info("stale jobs recovered",
			"timed_out", len(report.TimedOut),
			"requeued", len(report.Requeued),
			"exhausted", len(report.Exhausted),
			"redispatched", len(report.Redispatched))
	}
	return report, nil
}

func (o *Orchestrator) recoverJob(ctx context.Context, jobID string, cutoff time.Time, report *RecoveryReport) error {
	var (
		failedJob   model.Job
		replacement *model.Job
		upload      *model.Upload
		acted       bool
	)
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		j, err := getJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		// Re-check under the lock; the worker may have finished meanwhile.
		if j.Status != model.JobProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			return nil
		}

		if j.Attempt < o.maxAttempts {
			now := o.now()
			msg := TimeoutMessage
			j.Status = model.JobFailed
			j.ErrorMessage = &msg
			j.CompletedAt = &now
			if err := tx.UpdateJob(ctx, j); err != nil {
				return err
			}
			u, err := getUpload(ctx, tx, j.UploadID)
			if err != nil {
				return err
			}
			r, err := o.EnqueueTx(ctx, tx, j.UploadID, j.Type)
			if err != nil {
				return err
			}
			replacement, upload = r, u
		} else {
			u, err := o.failTx(ctx, tx, j, TimeoutMessage)
			if err != nil {
				return err
			}
			upload = u
		}
		failedJob, acted = *j, true
		return nil
	})
	if err != nil || !acted {
		return err
	}

	report.TimedOut = append(report.TimedOut, failedJob.ID)
	o.publish(ctx, events.JobFailed, upload, failedJob)
	if replacement != nil {
		report.Requeued = append(report.Requeued, replacement.ID)
		o.Dispatch(ctx, upload, *replacement)
	} else {
		report.Exhausted = append(report.Exhausted, failedJob.ID)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, typ string, upload *model.Upload, job model.Job) {
	if upload == nil {
		return
	}
	ev := events.JobEvent{
		Type:         typ,
		UserID:       upload.UserID,
		UploadID:     upload.ID,
		JobID:        job.ID,
		JobType:      job.Type,
		JobStatus:    job.Status,
		UploadStatus: upload.Status,
		Attempt:      job.Attempt,
		At:           o.now(),
	}
	if job.ErrorMessage != nil {
		ev.Error = *job.ErrorMessage
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		logging.WithJobID(o.logger, job.ID).Warn("publish job event failed", "type", typ, "error", err)
	}
}

type uploadGetter interface {
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
}

func getUpload(ctx context.Context, r uploadGetter, id string) (*model.Upload, error) {
	u, err := r.GetUpload(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("upload not found")
		}
		return nil, err
	}
	return u, nil
}

func getJobForUpdate(ctx context.Context, tx repository.Repository, id string) (*model.Job, error) {
	j, err := tx.GetJobForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("job not found")
		}
		return nil, err
	}
	return j, nil
}
