package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type JobStatus string

const (
	// StatusPending is the starting state of a submitted job. Running
	// transitions back into Pending if the assigned worker disconnects.
	StatusPending JobStatus = "pending"

	// StatusRunning means the job has been sent to a worker and is presumed
	// to be currently in process.
	StatusRunning JobStatus = "running"

	// StatusDone means a result payload has been confirmed stored.
	StatusDone JobStatus = "done"

	// StatusFailed means a worker reported the job as failed.
	StatusFailed JobStatus = "failed"
)

type JobPriority string

const (
	// PriorityBatch jobs run after all pending immediate jobs have finished.
	PriorityBatch JobPriority = "batch"

	// PriorityImmediate jobs run as soon as a worker is available.
	PriorityImmediate JobPriority = "immediate"
)

// ParsePriority validates a caller-supplied priority string.
func ParsePriority(s string) (JobPriority, error) {
	switch JobPriority(s) {
	case PriorityBatch:
		return PriorityBatch, nil
	case PriorityImmediate:
		return PriorityImmediate, nil
	}
	return "", errors.Errorf("unrecognized priority %q, use %q or %q", s, PriorityImmediate, PriorityBatch)
}

// Job is the metadata conceptually attached to a binary input payload. The
// payload itself lives in blob storage under "{id}.job"; a completed job's
// result lives under "{id}.result".
type Job struct {
	// ID is the primary identifier for the job.
	ID uuid.UUID

	// Key is an optional client-facing identifier used in place of the ID.
	// Must be unique across non-deleted jobs; defaults to the ID's string
	// form when not supplied at submission.
	Key string

	// Type tags the job with an optional job type name.
	Type string

	// Display is optional human-readable text describing the job.
	Display string

	Status   JobStatus
	Priority JobPriority

	// Submitted, Started and Ended are UTC timestamps for submission, the
	// last hand-off to a worker, and completion.
	Submitted time.Time
	Started   time.Time
	Ended     time.Time

	// FailureCount is the number of times a worker reported this job failed.
	FailureCount int

	// WorkerID is the session id of the last worker assigned to this job.
	WorkerID *uuid.UUID
}

// Age reports how long ago the job was submitted.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.Submitted)
}

// JobView is the read-only projection of a job published to API clients and
// on the update feed.
type JobView struct {
	ID           uuid.UUID   `json:"id"`
	Key          string      `json:"key"`
	Type         string      `json:"type,omitempty"`
	Display      string      `json:"display,omitempty"`
	Status       JobStatus   `json:"status"`
	Priority     JobPriority `json:"priority"`
	Submitted    time.Time   `json:"submitted"`
	Started      time.Time   `json:"started"`
	Ended        time.Time   `json:"ended"`
	FailureCount int         `json:"failure_count"`
	WorkerID     *uuid.UUID  `json:"worker_id,omitempty"`
}

// View projects the job into its client-facing form.
func (j *Job) View() JobView {
	return JobView{
		ID:           j.ID,
		Key:          j.Key,
		Type:         j.Type,
		Display:      j.Display,
		Status:       j.Status,
		Priority:     j.Priority,
		Submitted:    j.Submitted,
		Started:      j.Started,
		Ended:        j.Ended,
		FailureCount: j.FailureCount,
		WorkerID:     j.WorkerID,
	}
}

// WorkerView is the read-only projection of a worker session.
type WorkerView struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name,omitempty"`
	State          string     `json:"state"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}
