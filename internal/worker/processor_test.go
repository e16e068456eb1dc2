package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/artifacts"
	"github.com/dharsanguruparan/clippedset/internal/detect"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/processing"
	"github.com/dharsanguruparan/clippedset/internal/queue"
	"github.com/dharsanguruparan/clippedset/internal/repository"
	"github.com/dharsanguruparan/clippedset/internal/s3storage"
	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/dharsanguruparan/clippedset/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDetector returns the queued errors first, then result.
type scriptedDetector struct {
	mu     sync.Mutex
	errs   []error
	result model.DetectionResult
	calls  int
	refs   []detect.MediaRef
}

func (d *scriptedDetector) Detect(_ context.Context, ref detect.MediaRef) (model.DetectionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.refs = append(d.refs, ref)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return model.DetectionResult{}, err
	}
	return d.result, nil
}

type noDispatch struct{}

func (noDispatch) Dispatch(context.Context, model.Job) error { return nil }

type fixture struct {
	store    *storage.MemoryStore
	objects  *s3storage.Memory
	orch     *jobs.Orchestrator
	detector *scriptedDetector
	proc     *Processor
	job      *model.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		objects: s3storage.NewMemory("http://objects.test", signing.NewSigner([]byte("k"))),
		detector: &scriptedDetector{result: model.DetectionResult{
			DurationSeconds: 300,
			Cuts: []model.CutCandidate{
				{StartTime: 120, Confidence: 0.6, Type: "drop"},
				{StartTime: 45.2, Confidence: 0.9, Type: "drop"},
			},
		}},
	}
	f.orch = jobs.New(f.store, noDispatch{}, nil, logging.Discard(), jobs.Options{})
	mat := artifacts.New(f.store, f.objects, artifacts.ManifestRenderer{}, time.Hour, logging.Discard())
	f.proc = NewProcessor(f.orch, f.store, f.objects, f.detector, mat, logging.Discard())

	ctx := context.Background()
	_, err := f.store.InsertUpload(ctx, &model.Upload{
		ID: "up-1", UserID: "user-1", Filename: "set.mp3", StoragePath: "user-1/up-1.mp3",
		OutputPrefix: "outputs/user-1/up-1/", Size: 1, Status: model.UploadPending, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	f.job, err = f.orch.Enqueue(ctx, "up-1", model.JobDetect)
	require.NoError(t, err)
	return f
}

func (f *fixture) upload(t *testing.T) *model.Upload {
	t.Helper()
	u, err := f.store.GetUpload(context.Background(), "up-1")
	require.NoError(t, err)
	return u
}

func (f *fixture) storedJob(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestProcess_DetectCompletesAndWritesCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.proc.Process(ctx, queue.PayloadFor(*f.job), false))

	assert.Equal(t, model.UploadCompleted, f.upload(t).Status)
	assert.Equal(t, model.JobCompleted, f.storedJob(t, f.job.ID).Status)
	cuts, err := f.store.ListCuts(ctx, "up-1")
	require.NoError(t, err)
	require.Len(t, cuts, 2)
	assert.InDelta(t, 45.2, cuts[0].StartTime, 1e-9)

	_, err = f.objects.Stat(ctx, "outputs/user-1/up-1/cuts.csv")
	assert.NoError(t, err)
	require.Len(t, f.detector.refs, 1)
	assert.Equal(t, "user-1/up-1.mp3", f.detector.refs[0].StoragePath)
	assert.Contains(t, f.detector.refs[0].URL, "signature=")
}

func TestProcess_TransientFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.detector.errs = []error{apperr.TransientWorker("detector busy", errors.New("503"))}

	err := f.proc.Process(context.Background(), queue.PayloadFor(*f.job), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransientWorker)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, model.JobProcessing, f.storedJob(t, f.job.ID).Status)

	require.NoError(t, f.proc.Process(context.Background(), queue.PayloadFor(*f.job), false))
	assert.Equal(t, model.UploadCompleted, f.upload(t).Status)
}

func TestProcess_TransientOnFinalAttemptFailsJob(t *testing.T) {
	f := newFixture(t)
	f.detector.errs = []error{apperr.TransientWorker("detector busy", errors.New("503"))}

	err := f.proc.Process(context.Background(), queue.PayloadFor(*f.job), true)
	require.Error(t, err)

	j := f.storedJob(t, f.job.ID)
	assert.Equal(t, model.JobFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "detector busy")
	assert.Equal(t, model.UploadFailed, f.upload(t).Status)
}

func TestProcess_FatalFailureSkipsRetry(t *testing.T) {
	f := newFixture(t)
	f.detector.errs = []error{apperr.FatalWorker("unsupported codec", nil)}

	err := f.proc.Process(context.Background(), queue.PayloadFor(*f.job), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, apperr.ErrFatalWorker)
	assert.Equal(t, model.JobFailed, f.storedJob(t, f.job.ID).Status)
	assert.Equal(t, model.UploadFailed, f.upload(t).Status)
}

func TestProcess_InvalidResultFailsWithoutPartialCuts(t *testing.T) {
	f := newFixture(t)
	f.detector.result = model.DetectionResult{
		DurationSeconds: 100,
		Cuts:            []model.CutCandidate{{StartTime: 10, Confidence: 0.5}, {StartTime: 150, Confidence: 0.5}},
	}

	err := f.proc.Process(context.Background(), queue.PayloadFor(*f.job), false)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	cuts, err := f.store.ListCuts(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Empty(t, cuts)
	assert.Equal(t, model.UploadFailed, f.upload(t).Status)
}

func TestProcess_TerminalJobIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.proc.Process(ctx, queue.PayloadFor(*f.job), false))

	require.NoError(t, f.proc.Process(ctx, queue.PayloadFor(*f.job), false))
	assert.Equal(t, 1, f.detector.calls)

	require.NoError(t, f.proc.Process(ctx, queue.Payload{JobID: "ghost", UploadID: "up-1"}, false))
}

func TestProcess_SplitRendersClipsArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.proc.Process(ctx, queue.PayloadFor(*f.job), false))
	now := time.Now().UTC()
	require.NoError(t, f.store.InsertClip(ctx, &model.Clip{
		ID: "clip-1", UploadID: "up-1", UserID: "user-1", Name: "Peak", StartTime: 45, EndTime: 75,
		AspectRatio: model.AspectPortrait, CreatedAt: now, UpdatedAt: now,
	}))

	split, err := f.orch.Enqueue(ctx, "up-1", model.JobSplit)
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(ctx, queue.PayloadFor(*split), false))

	assert.Equal(t, model.JobCompleted, f.storedJob(t, split.ID).Status)
	assert.Equal(t, model.UploadCompleted, f.upload(t).Status)
	_, err = f.objects.Stat(ctx, "outputs/user-1/up-1/clips.zip")
	assert.NoError(t, err)
}

func TestHandleTask_RejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	err := f.proc.handleTask(context.Background(), asynq.NewTask(queue.DetectTask, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTask_RunsDetect(t *testing.T) {
	f := newFixture(t)
	task, err := queue.NewTask(*f.job)
	require.NoError(t, err)

	require.NoError(t, f.proc.handleTask(context.Background(), task))
	assert.Equal(t, model.UploadCompleted, f.upload(t).Status)
}

func TestPool_RetriesTransientThroughProcessor(t *testing.T) {
	f := newFixture(t)
	f.detector.errs = []error{apperr.TransientWorker("detector busy", errors.New("503"))}

	pool := processing.New(f.proc.Process, 1, 2, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	require.NoError(t, pool.Dispatch(ctx, *f.job))

	require.Eventually(t, func() bool {
		u, err := f.store.GetUpload(context.Background(), "up-1")
		return err == nil && u.Status == model.UploadCompleted
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	pool.Wait()
	assert.Equal(t, 2, f.detector.calls)
}

// slowDetector records how many calls overlap.
type slowDetector struct {
	mu      sync.Mutex
	calls   int
	running int
	maxSeen int
	result  model.DetectionResult
}

func (d *slowDetector) Detect(ctx context.Context, _ detect.MediaRef) (model.DetectionResult, error) {
	d.mu.Lock()
	d.calls++
	d.running++
	if d.running > d.maxSeen {
		d.maxSeen = d.running
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running--
		d.mu.Unlock()
	}()
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return model.DetectionResult{}, ctx.Err()
	}
	return d.result, nil
}

func TestPool_DuplicateDispatchRunsDetectorOnce(t *testing.T) {
	f := newFixture(t)
	det := &slowDetector{result: f.detector.result}
	mat := artifacts.New(f.store, f.objects, artifacts.ManifestRenderer{}, time.Hour, logging.Discard())
	proc := NewProcessor(f.orch, f.store, f.objects, det, mat, logging.Discard())

	pool := processing.New(proc.Process, 2, 0, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	// once from confirm, once from the trigger
	require.NoError(t, pool.Dispatch(ctx, *f.job))
	require.NoError(t, pool.Dispatch(ctx, *f.job))

	require.Eventually(t, func() bool {
		u, err := f.store.GetUpload(context.Background(), "up-1")
		return err == nil && u.Status == model.UploadCompleted
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	pool.Wait()

	det.mu.Lock()
	defer det.mu.Unlock()
	assert.Equal(t, 1, det.calls)
	assert.Equal(t, 1, det.maxSeen)
}

// startFailingStore fails the pending to processing upload transition, the
// way an unreachable database fails Start, while Fail keeps working.
type startFailingStore struct {
	*storage.MemoryStore
}

type startFailingTx struct {
	repository.Repository
}

func (tx startFailingTx) UpdateUploadStatus(ctx context.Context, id string, status model.UploadStatus, d *float64) error {
	if status == model.UploadProcessing {
		return errors.New("connection refused")
	}
	return tx.Repository.UpdateUploadStatus(ctx, id, status, d)
}

func (s startFailingStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repository) error) error {
	return s.MemoryStore.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		return fn(ctx, startFailingTx{tx})
	})
}

func TestProcess_StartFailureRetriesThenFailsOnFinalAttempt(t *testing.T) {
	f := newFixture(t)
	orch := jobs.New(startFailingStore{f.store}, noDispatch{}, nil, logging.Discard(), jobs.Options{})
	mat := artifacts.New(f.store, f.objects, artifacts.ManifestRenderer{}, time.Hour, logging.Discard())
	proc := NewProcessor(orch, f.store, f.objects, f.detector, mat, logging.Discard())
	ctx := context.Background()

	err := proc.Process(ctx, queue.PayloadFor(*f.job), false)
	assert.ErrorIs(t, err, apperr.ErrTransientWorker)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, model.JobPending, f.storedJob(t, f.job.ID).Status)

	err = proc.Process(ctx, queue.PayloadFor(*f.job), true)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	j := f.storedJob(t, f.job.ID)
	assert.Equal(t, model.JobFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "start job")
	assert.Equal(t, model.UploadFailed, f.upload(t).Status)
	assert.Zero(t, f.detector.calls)

	// a failed upload can be retried by its owner
	_, err = f.orch.Retry(ctx, "user-1", "up-1")
	assert.NoError(t, err)
}
