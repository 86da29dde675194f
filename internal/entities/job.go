package entities

import "time"

// JobStatus describes where a zip job is in its lifecycle.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobZipping    JobStatus = "zipping"
	JobReady      JobStatus = "ready"
	JobError      JobStatus = "error"
)

// Terminal reports whether a job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobReady || s == JobError
}

// Job tracks one asynchronous ZIP assembly. Jobs live only in process memory;
// the single worker goroutine driving a job is its sole mutator.
type Job struct {
	ID            string
	Status        JobStatus
	Percent       int
	ErrorMessage  string
	Descriptors   []ConversionDescriptor
	Result        *ArchiveResult
	DownloadCount int
	CreatedAt     time.Time
}

// JobSnapshot is the read-only view returned to status pollers.
type JobSnapshot struct {
	ID            string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	Percent       int       `json:"percent"`
	Error         string    `json:"error,omitempty"`
	Ready         bool      `json:"ready"`
	Total         int       `json:"total"`
	DownloadCount int       `json:"downloadCount"`
	ZipName       string    `json:"zipName,omitempty"`
}
