// Package repository defines the persistence contract for uploads, jobs, cuts
// and clips, and its Postgres implementation.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrActiveJobExists is returned by InsertJob when the upload already has
	// a pending or processing job of the same type.
	ErrActiveJobExists = errors.New("active job already exists")
)

// Repository is implemented by the Postgres repository and the in-memory store.
// Uploads returned by GetUpload and ListUploadsByUser carry no nested jobs or
// cuts; callers attach them explicitly.
type Repository interface {
	EnsureUser(ctx context.Context, u *model.User) error

	// InsertUpload reports false without error when the id already exists.
	InsertUpload(ctx context.Context, u *model.Upload) (bool, error)
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
	ListUploadsByUser(ctx context.Context, userID string) ([]model.Upload, error)
	UpdateUploadStatus(ctx context.Context, id string, status model.UploadStatus, duration *float64) error
	DeleteUpload(ctx context.Context, id string) error

	InsertJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// GetJobForUpdate locks the job row until the surrounding transaction ends.
	GetJobForUpdate(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	ListJobsByUpload(ctx context.Context, uploadID string) ([]model.Job, error)
	ListJobsByUser(ctx context.Context, userID string) ([]model.Job, error)
	// ListStaleJobs returns processing jobs started before cutoff, or pending
	// jobs queued before cutoff, depending on status.
	ListStaleJobs(ctx context.Context, status model.JobStatus, cutoff time.Time) ([]model.Job, error)

	ReplaceCuts(ctx context.Context, uploadID string, cuts []model.Cut) error
	ListCuts(ctx context.Context, uploadID string) ([]model.Cut, error)
	ListCutsByUser(ctx context.Context, userID string) ([]model.Cut, error)

	InsertClip(ctx context.Context, c *model.Clip) error
	GetClip(ctx context.Context, id string) (*model.Clip, error)
	UpdateClip(ctx context.Context, c *model.Clip) error
	DeleteClip(ctx context.Context, id string) error
	// ListClips filters by upload when uploadID is non-empty.
	ListClips(ctx context.Context, userID, uploadID string) ([]model.Clip, error)
}

// Store is a Repository that can run a group of operations atomically.
type Store interface {
	Repository
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
