// Package queue defines the task payloads exchanged between the API and the
// worker, and the asynq-backed dispatcher.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/clippedset/internal/model"
)

const (
	// DetectTask runs drop detection for an upload.
	DetectTask = "detect:run"
	// SplitTask renders the clips archive for an upload.
	SplitTask = "split:run"
)

// TaskType maps a job type to its asynq task name.
func TaskType(t model.JobType) string {
	if t == model.JobSplit {
		return SplitTask
	}
	return DetectTask
}

// Payload is serialized into the task so the worker knows which job row to
// drive. Everything else is read from the store.
type Payload struct {
	JobID    string        `json:"job_id"`
	UploadID string        `json:"upload_id"`
	JobType  model.JobType `json:"job_type"`
	Attempt  int           `json:"attempt"`
}

// PayloadFor builds the payload for a job.
func PayloadFor(j model.Job) Payload {
	return Payload{JobID: j.ID, UploadID: j.UploadID, JobType: j.Type, Attempt: j.Attempt}
}

// Decode parses a task payload.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.JobID == "" {
		return Payload{}, errors.New("decode payload: missing job id")
	}
	return p, nil
}

// NewTask builds the asynq task that runs j.
func NewTask(j model.Job) (*asynq.Task, error) {
	data, err := json.Marshal(PayloadFor(j))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TaskType(j.Type), data), nil
}

// Dispatcher hands a persisted job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, j model.Job) error
}

// TaskQueue is the asynq queue every task is enqueued on.
const TaskQueue = "default"

// Enqueuer is the part of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector the dispatcher uses to clear
// finished tasks that still hold a job's task id.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// AsynqDispatcher enqueues jobs on Redis through asynq.
type AsynqDispatcher struct {
	client    Enqueuer
	inspector TaskInspector
	maxRetry  int
}

// NewAsynqDispatcher builds a dispatcher. inspector may be nil, in which case
// any task id conflict counts as dispatched.
func NewAsynqDispatcher(client Enqueuer, inspector TaskInspector, maxRetry int) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, inspector: inspector, maxRetry: maxRetry}
}

// Dispatch enqueues the job using its id as the task id. A task still queued
// or running under the same id counts as dispatched. An archived or completed
// task under that id is deleted and the job enqueued again, so a pending job
// whose task ran out of retries can be picked up.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, j model.Job) error {
	task, err := NewTask(j)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(TaskQueue), asynq.MaxRetry(d.maxRetry), asynq.TaskID(j.ID)}
	_, err = d.client.EnqueueContext(ctx, task, opts...)
	if err == nil {
		return nil
	}
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue %s task: %w", j.Type, err)
	}
	if d.inspector == nil {
		return nil
	}

	info, err := d.inspector.GetTaskInfo(TaskQueue, j.ID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
	case err != nil:
		return fmt.Errorf("inspect task %s: %w", j.ID, err)
	case info.State == asynq.TaskStateArchived || info.State == asynq.TaskStateCompleted:
		if err := d.inspector.DeleteTask(TaskQueue, j.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete finished task %s: %w", j.ID, err)
		}
	default:
		return nil
	}

	_, err = d.client.EnqueueContext(ctx, task, opts...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue %s task: %w", j.Type, err)
	}
	return nil
}
