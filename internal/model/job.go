package model

import "time"

// JobType names a unit of asynchronous work against an upload.
type JobType string

const (
	JobDetect JobType = "detect"
	JobSplit  JobType = "split"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobDetect || t == JobSplit
}

// JobStatus describes the lifecycle of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Active reports whether the job still occupies its upload's slot.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobProcessing
}

// Job is one unit of work against an upload. Attempt starts at 1 and grows
// with every retry or stale-job replacement.
type Job struct {
	ID           string     `json:"id"`
	UploadID     string     `json:"upload_id"`
	Type         JobType    `json:"job_type"`
	Status       JobStatus  `json:"status"`
	Attempt      int        `json:"attempt"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	QueuedAt     time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
