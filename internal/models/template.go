package models

import "time"

// TemplateOrigin records how a template entered the library
type TemplateOrigin string

const (
	OriginCurated      TemplateOrigin = "curated"
	OriginAIGenerated  TemplateOrigin = "ai_generated"
	OriginAIRefined    TemplateOrigin = "ai_refined"
	OriginUserUploaded TemplateOrigin = "user_uploaded"
)

// ValidationState tracks where a template is in the validation lifecycle
type ValidationState string

const (
	ValidationUnvalidated     ValidationState = "unvalidated"
	ValidationValidating      ValidationState = "validating"
	ValidationValid           ValidationState = "valid"
	ValidationInvalidMaxRetry ValidationState = "invalid_max_retries"
)

// Template is a declarative detection rule consumed by the scanner
type Template struct {
	TemplateID        string          `json:"template_id"`
	CVEID             string          `json:"cve_id,omitempty"`
	Filename          string          `json:"filename"`
	Body              []byte          `json:"-"`
	Origin            TemplateOrigin  `json:"origin"`
	GenerationAttempt int             `json:"generation_attempt"`
	ValidationState   ValidationState `json:"validation_state"`
	StoredAt          time.Time       `json:"stored_at"`
}

// CVERecord is a public vulnerability record from the external feed
type CVERecord struct {
	CVEID       string    `json:"cve_id"`
	PublishedAt time.Time `json:"published_at"`
	Description string    `json:"description"`
	References  []string  `json:"references,omitempty"`
}

// PipelineTrigger identifies how a pipeline run was started
type PipelineTrigger string

const (
	TriggerScheduled PipelineTrigger = "scheduled"
	TriggerManual    PipelineTrigger = "manual"
)

// PipelineMetrics are the monotonically increasing counters of a run
type PipelineMetrics struct {
	TemplatesGenerated   int64 `json:"templates_generated"`
	TemplatesValidated   int64 `json:"templates_validated"`
	ValidationsFailed    int64 `json:"validations_failed"`
	RefinementsAttempted int64 `json:"refinements_attempted"`
	RefinementsExhausted int64 `json:"refinements_exhausted"`
}

// PipelineRun is one execution of the CVE-to-validated-template workflow
type PipelineRun struct {
	RunID       string          `json:"run_id"`
	TriggerKind PipelineTrigger `json:"trigger_kind"`
	RootJobID   string          `json:"root_job_id"`
	State       JobState        `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	CVEBatch    []string        `json:"cve_batch,omitempty"`
	Metrics     PipelineMetrics `json:"metrics"`
}
