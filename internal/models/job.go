package models

import (
	"time"
)

// JobKind identifies the handler responsible for a unit of work
type JobKind string

const (
	JobKindScan             JobKind = "scan"
	JobKindCustomScan       JobKind = "custom_scan"
	JobKindAIScan           JobKind = "ai_scan"
	JobKindFetchCVEs        JobKind = "fetch_cves"
	JobKindGenerateTemplate JobKind = "generate_template"
	JobKindStoreTemplates   JobKind = "store_templates"
	JobKindValidateTemplate JobKind = "validate_template"
	JobKindRefineTemplate   JobKind = "refine_template"
	JobKindPipelineRoot     JobKind = "pipeline_root"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSuccess   JobState = "success"
	JobStateFailure   JobState = "failure"
	JobStateRetrying  JobState = "retrying"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal returns true if the job has reached a terminal state
func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFailure || s == JobStateCancelled
}

// Job is a tracked unit of work. Jobs are persisted in the KV store under
// job:{id} and mutated only through the registry's Transition operation.
type Job struct {
	ID          string   `json:"id"`
	Kind        JobKind  `json:"kind"`
	State       JobState `json:"state"`
	ParentID    string   `json:"parent_id,omitempty"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts"`

	// Task-specific input, serialized per kind.
	Payload []byte `json:"payload,omitempty"`

	// Result on success, Error on failure. Mutually exclusive.
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Only populated for scan-kind jobs once the container is created.
	ContainerName string `json:"container_name,omitempty"`

	// Identifier of the worker currently executing the job, for
	// heartbeat-based orphan detection.
	WorkerID string `json:"worker_id,omitempty"`

	// Scheduled earliest start for retried jobs.
	RetryAt time.Time `json:"retry_at,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// IsScanKind reports whether the job executes a containerized scan.
func (j *Job) IsScanKind() bool {
	return j.Kind == JobKindScan || j.Kind == JobKindCustomScan || j.Kind == JobKindAIScan
}

// DefaultMaxAttempts returns the retry budget for a job kind
func DefaultMaxAttempts(kind JobKind) int {
	switch kind {
	case JobKindGenerateTemplate, JobKindRefineTemplate:
		return 3
	default:
		// Scans and validations are not retried by the scheduler;
		// validation retries are driven by the refinement loop.
		return 1
	}
}
