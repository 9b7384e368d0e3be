package models

import "time"

// JobState is the lifecycle state of an optimization job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Public status strings used by the polling API.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Status maps the state to its public polling value.
func (s JobState) Status() string {
	switch s {
	case JobSucceeded:
		return StatusCompleted
	case JobFailed:
		return StatusFailed
	default:
		return StatusProcessing
	}
}

// JobInput is the immutable input captured at submission.
type JobInput struct {
	Events   []CalendarEvent `json:"events"`
	Tasks    []TaskRequest   `json:"tasks"`
	Timezone string          `json:"timezone"`
}

// Job error kinds.
const (
	JobErrorTimeout  = "timeout"
	JobErrorInternal = "internal"
)

// JobError describes why a job failed.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// OptimizationJob is one asynchronous optimization request.
type OptimizationJob struct {
	ID         string
	UserID     string
	State      JobState
	Input      JobInput
	Result     *ScheduleResult // set only when Succeeded
	Error      *JobError       // set only when Failed
	CreatedAt  time.Time
	FinishedAt time.Time
}
