package model

import "time"

// JobStatus is the lifecycle state of one scheduled job invocation.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// JobRun is one append-only audit row of scheduler activity. The row is
// created with status running when the job starts and finalized when it ends.
// Downstream monitoring reads these rows rather than parsing logs.
type JobRun struct {
	ID               int64      `json:"id"`
	JobName          string     `json:"job_name"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds"`
	Status           JobStatus  `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	RecordsProcessed int        `json:"records_processed"`
}
