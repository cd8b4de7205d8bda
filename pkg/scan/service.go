// Package scan implements scan submission and execution: it turns scan
// requests into registry jobs and runs them in scanner containers.
package scan

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/llm"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/registry"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/runner"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/scheduler"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/target"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/templates"
)

// Options configures the scan service
type Options struct {
	// TemplateMountPath is where the library is mounted inside scanner
	// containers.
	TemplateMountPath string
	ScanTimeout       time.Duration
}

// Service owns scan submission and the scan job handlers
type Service struct {
	registry *registry.Registry
	sched    *scheduler.Scheduler
	runner   *runner.Runner
	library  *templates.Library
	model    *llm.Client
	opts     Options
	logger   *logrus.Logger
}

// NewService creates the scan service
func NewService(reg *registry.Registry, sched *scheduler.Scheduler, run *runner.Runner, lib *templates.Library, model *llm.Client, opts Options, logger *logrus.Logger) *Service {
	if opts.TemplateMountPath == "" {
		opts.TemplateMountPath = "/templates"
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Minute
	}
	return &Service{
		registry: reg,
		sched:    sched,
		runner:   run,
		library:  lib,
		model:    model,
		opts:     opts,
		logger:   logger,
	}
}

// RegisterHandlers binds the scan job kinds to the scheduler
func (s *Service) RegisterHandlers() {
	s.sched.RegisterHandler(models.JobKindScan, scheduler.QueueScans, s.HandleScan)
	s.sched.RegisterHandler(models.JobKindCustomScan, scheduler.QueueScans, s.HandleScan)
	s.sched.RegisterHandler(models.JobKindAIScan, scheduler.QueueScans, s.HandleScan)
}

// SubmitScan queues a full-library scan against the target
func (s *Service) SubmitScan(ctx context.Context, rawTarget string) (*models.Job, error) {
	return s.submit(ctx, models.JobKindScan, rawTarget, models.SelectAll(), "")
}

// SubmitCustomScan queues a scan restricted to the given template selection
func (s *Service) SubmitCustomScan(ctx context.Context, rawTarget string, sel models.TemplateSelector) (*models.Job, error) {
	// Resolve now so a bad selection fails at submission, not inside the
	// worker.
	if _, err := s.library.Resolve(sel); err != nil {
		return nil, err
	}
	return s.submit(ctx, models.JobKindCustomScan, rawTarget, sel, "")
}

// SubmitAIScan queues a scan whose template is generated from the prompt
// at execution time.
func (s *Service) SubmitAIScan(ctx context.Context, rawTarget, prompt string) (*models.Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errs.New(errs.KindInvalidInput, "empty scan prompt")
	}
	return s.submit(ctx, models.JobKindAIScan, rawTarget, models.SelectAll(), prompt)
}

func (s *Service) submit(ctx context.Context, kind models.JobKind, rawTarget string, sel models.TemplateSelector, prompt string) (*models.Job, error) {
	validated, err := target.Validate(rawTarget)
	if err != nil {
		return nil, err
	}

	req := models.ScanRequest{
		Target:        validated,
		Selector:      sel,
		Prompt:        prompt,
		ContainerName: runner.NewContainerName(),
		ReceivedAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "marshal scan request")
	}

	job, err := s.sched.Submit(ctx, scheduler.JobSpec{Kind: kind, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := s.registry.SetContainerName(ctx, job.ID, req.ContainerName); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Warn("Could not record container name")
	}
	job.ContainerName = req.ContainerName

	s.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"kind":      kind,
		"target":    validated,
		"container": req.ContainerName,
	}).Info("Scan queued")
	return job, nil
}

// GetJob returns a job with its findings attached where relevant
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, []*models.Finding, error) {
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	findings, err := s.registry.Findings(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return job, findings, nil
}

// ReadLog returns a slice of the job's persisted log from the offset
func (s *Service) ReadLog(ctx context.Context, id string, offset int64) ([]byte, int64, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.registry.ReadLog(ctx, id, offset)
}

// CancelJob requests cancellation of a job and its descendants
func (s *Service) CancelJob(ctx context.Context, id string) error {
	return s.sched.Cancel(ctx, id)
}
