// Package model contains the entities shared across the pipeline: uploads,
// their processing jobs, detected cuts and user authored clips.
package model

import (
	"time"
)

// UploadStatus describes the lifecycle of a submitted media file.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// CanTransition reports whether an upload may move from one status to the
// other. failed -> pending is only reachable through an explicit retry.
func (s UploadStatus) CanTransition(to UploadStatus) bool {
	switch s {
	case UploadPending:
		return to == UploadProcessing || to == UploadFailed
	case UploadProcessing:
		return to == UploadCompleted || to == UploadFailed
	case UploadFailed:
		return to == UploadPending
	}
	return false
}

// Terminal reports whether no further processing is expected.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed
}

// Upload is one submitted media file and its processing state.
type Upload struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Filename        string       `json:"filename"`
	ContentType     string       `json:"content_type,omitempty"`
	StoragePath     string       `json:"file_path"`
	OutputPrefix    string       `json:"-"`
	Size            int64        `json:"file_size"`
	DurationSeconds *float64     `json:"duration_seconds,omitempty"`
	Status          UploadStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`

	Jobs []Job `json:"jobs"`
	Cuts []Cut `json:"cuts"`
}

// ActiveJob returns the non-terminal job of the given type, if any.
func (u *Upload) ActiveJob(t JobType) *Job {
	for i := range u.Jobs {
		if u.Jobs[i].Type == t && u.Jobs[i].Status.Active() {
			return &u.Jobs[i]
		}
	}
	return nil
}

// LatestJob returns the most recently queued job of the given type.
func (u *Upload) LatestJob(t JobType) *Job {
	var latest *Job
	for i := range u.Jobs {
		j := &u.Jobs[i]
		if j.Type != t {
			continue
		}
		if latest == nil || j.QueuedAt.After(latest.QueuedAt) || j.Attempt > latest.Attempt {
			latest = j
		}
	}
	return latest
}

// User is the owner of uploads and clips.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
