// Package pipeline orchestrates the CVE-to-validated-template workflow:
// fetch recent CVEs, generate templates for the novel ones, store them,
// validate each by scanning a known-vulnerable target, and refine the
// failures until they validate or run out of attempts.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/cvefeed"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/llm"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/metrics"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/registry"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/scan"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/scheduler"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/templates"
)

const (
	runKeyPrefix      = "pipeline:run:"
	counterKeyPrefix  = "metrics:pipeline:"
	tplStateKeyPrefix = "tplstate:"

	// maxValidationAttempts bounds generate-validate-refine cycles per CVE.
	maxValidationAttempts = 3
)

// Counter names persisted under metrics:pipeline:*.
const (
	CounterGenerated = "templates_generated"
	CounterValidated = "templates_validated"
	CounterFailed    = "validations_failed"
	CounterRefined   = "refinements_attempted"
	CounterExhausted = "refinements_exhausted"
)

// Options configures the pipeline
type Options struct {
	// ValidationTarget is the known-vulnerable endpoint templates are
	// validated against.
	ValidationTarget string
	// MaxBatch caps how many novel CVEs one run will take on.
	MaxBatch int
}

// Pipeline wires the feed, the model, the template library, and the scan
// executor into the synthesis workflow.
type Pipeline struct {
	store   kv.Store
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	feed    *cvefeed.Client
	model   *llm.Client
	library *templates.Library
	scans   *scan.Service
	opts    Options
	logger  *logrus.Logger

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// New creates the pipeline orchestrator
func New(store kv.Store, reg *registry.Registry, sched *scheduler.Scheduler, feed *cvefeed.Client, model *llm.Client, lib *templates.Library, scans *scan.Service, opts Options, logger *logrus.Logger) *Pipeline {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 25
	}
	return &Pipeline{
		store:    store,
		reg:      reg,
		sched:    sched,
		feed:     feed,
		model:    model,
		library:  lib,
		scans:    scans,
		opts:     opts,
		logger:   logger,
		runLocks: map[string]*sync.Mutex{},
	}
}

// RegisterHandlers binds the pipeline job kinds to the scheduler
func (p *Pipeline) RegisterHandlers() {
	p.sched.RegisterHandler(models.JobKindFetchCVEs, scheduler.QueuePipeline, p.handleFetch)
	p.sched.RegisterHandler(models.JobKindGenerateTemplate, scheduler.QueueGenerate, p.handleGenerate)
	p.sched.RegisterHandler(models.JobKindStoreTemplates, scheduler.QueuePipeline, p.handleStore)
	p.sched.RegisterHandler(models.JobKindValidateTemplate, scheduler.QueueValidate, p.handleValidate)
	p.sched.RegisterHandler(models.JobKindRefineTemplate, scheduler.QueueRefine, p.handleRefine)
	p.sched.RegisterHandler(models.JobKindPipelineRoot, scheduler.QueuePipeline, p.handleFinalize)
}

// Trigger starts a pipeline run. An empty runID gets a generated one;
// triggering an already-known runID returns the existing run unchanged, so
// retried requests cannot start duplicate work.
func (p *Pipeline) Trigger(ctx context.Context, trigger models.PipelineTrigger, runID string) (*models.PipelineRun, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	root, err := p.reg.Create(ctx, models.JobKindPipelineRoot, nil, "")
	if err != nil {
		return nil, err
	}
	run := &models.PipelineRun{
		RunID:       runID,
		TriggerKind: trigger,
		RootJobID:   root.ID,
		State:       models.JobStateRunning,
		StartedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "marshal pipeline run")
	}
	created, err := p.store.SetNX(ctx, runKeyPrefix+runID, string(raw), 0)
	if err != nil {
		return nil, err
	}
	if !created {
		// Duplicate trigger; discard the speculative root job.
		if _, terr := p.reg.Transition(ctx, root.ID, models.JobStateCancelled, registry.Patch{Error: "duplicate pipeline trigger"}); terr != nil {
			p.logger.WithError(terr).WithField("job_id", root.ID).Warn("Could not cancel duplicate root job")
		}
		return p.GetRun(ctx, runID)
	}

	if _, err := p.reg.Transition(ctx, root.ID, models.JobStateRunning, registry.Patch{}); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(fetchPayload{RunID: runID})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "marshal fetch payload")
	}
	if _, err := p.sched.Submit(ctx, scheduler.JobSpec{
		Kind:     models.JobKindFetchCVEs,
		Payload:  payload,
		ParentID: root.ID,
	}); err != nil {
		p.finishRun(context.WithoutCancel(ctx), runID, models.JobStateFailure)
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"trigger": trigger,
	}).Info("Pipeline run started")
	return run, nil
}

// GetRun returns a pipeline run record
func (p *Pipeline) GetRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	raw, err := p.store.Get(ctx, runKeyPrefix+runID)
	if err == kv.ErrNotFound {
		return nil, errs.New(errs.KindNotFound, "pipeline run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	var run models.PipelineRun
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "corrupt pipeline run %s", runID)
	}
	return &run, nil
}

// ListRuns returns all known pipeline runs, newest first
func (p *Pipeline) ListRuns(ctx context.Context) ([]*models.PipelineRun, error) {
	keys, err := p.store.Keys(ctx, runKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	runs := make([]*models.PipelineRun, 0, len(keys))
	for _, key := range keys {
		run, err := p.GetRun(ctx, strings.TrimPrefix(key, runKeyPrefix))
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[j].StartedAt.After(runs[i].StartedAt) {
				runs[i], runs[j] = runs[j], runs[i]
			}
		}
	}
	return runs, nil
}

// Metrics returns the global pipeline counters
func (p *Pipeline) Metrics(ctx context.Context) (*models.PipelineMetrics, error) {
	m := &models.PipelineMetrics{}
	for name, dst := range map[string]*int64{
		CounterGenerated: &m.TemplatesGenerated,
		CounterValidated: &m.TemplatesValidated,
		CounterFailed:    &m.ValidationsFailed,
		CounterRefined:   &m.RefinementsAttempted,
		CounterExhausted: &m.RefinementsExhausted,
	} {
		raw, err := p.store.Get(ctx, counterKeyPrefix+name)
		if err == kv.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var n int64
		if err := json.Unmarshal([]byte(raw), &n); err == nil {
			*dst = n
		}
	}
	return m, nil
}

// TemplateValidationState returns the recorded validation state for a
// template id.
func (p *Pipeline) TemplateValidationState(ctx context.Context, templateID string) (models.ValidationState, error) {
	raw, err := p.store.Get(ctx, tplStateKeyPrefix+templateID)
	if err == kv.ErrNotFound {
		return models.ValidationUnvalidated, nil
	}
	if err != nil {
		return "", err
	}
	return models.ValidationState(raw), nil
}

func (p *Pipeline) setTemplateState(ctx context.Context, templateID string, state models.ValidationState) {
	if err := p.store.Set(ctx, tplStateKeyPrefix+templateID, string(state), 0); err != nil {
		p.logger.WithError(err).WithField("template_id", templateID).Warn("Validation state write failed")
	}
}

func (p *Pipeline) bump(ctx context.Context, counter string, runID string, apply func(*models.PipelineMetrics)) {
	if _, err := p.store.IncrBy(ctx, counterKeyPrefix+counter, 1); err != nil {
		p.logger.WithError(err).WithField("counter", counter).Warn("Pipeline counter update failed")
	}
	metrics.RecordPipelineTemplate(counter)
	p.updateRun(ctx, runID, func(run *models.PipelineRun) {
		apply(&run.Metrics)
	})
}

func (p *Pipeline) runLock(runID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.runLocks[runID]
	if !ok {
		m = &sync.Mutex{}
		p.runLocks[runID] = m
	}
	return m
}

func (p *Pipeline) updateRun(ctx context.Context, runID string, apply func(*models.PipelineRun)) {
	l := p.runLock(runID)
	l.Lock()
	defer l.Unlock()

	run, err := p.GetRun(ctx, runID)
	if err != nil {
		p.logger.WithError(err).WithField("run_id", runID).Warn("Pipeline run update failed")
		return
	}
	apply(run)
	raw, err := json.Marshal(run)
	if err != nil {
		return
	}
	if err := p.store.Set(ctx, runKeyPrefix+runID, string(raw), 0); err != nil {
		p.logger.WithError(err).WithField("run_id", runID).Warn("Pipeline run write failed")
	}
}

// finishRun marks the run and its root job terminal
func (p *Pipeline) finishRun(ctx context.Context, runID string, state models.JobState) {
	var rootID string
	p.updateRun(ctx, runID, func(run *models.PipelineRun) {
		run.State = state
		run.FinishedAt = time.Now().UTC()
		rootID = run.RootJobID
	})
	if rootID != "" {
		if _, err := p.reg.Transition(ctx, rootID, state, registry.Patch{}); err != nil {
			p.logger.WithError(err).WithField("job_id", rootID).Warn("Root job finish transition failed")
		}
	}

	run, err := p.GetRun(ctx, runID)
	trigger := string(models.TriggerManual)
	if err == nil {
		trigger = string(run.TriggerKind)
	}
	metrics.RecordPipelineRun(trigger, string(state))
	p.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"state":  state,
	}).Info("Pipeline run finished")
}
