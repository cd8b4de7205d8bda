package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/llm"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/runner"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/scheduler"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/templates"
)

type fetchPayload struct {
	RunID string `json:"run_id"`
}

type generatePayload struct {
	RunID string           `json:"run_id"`
	CVE   models.CVERecord `json:"cve"`
}

type generateResult struct {
	RunID       string `json:"run_id"`
	CVEID       string `json:"cve_id"`
	Description string `json:"description"`
	Template    string `json:"template"`
}

type validatePayload struct {
	RunID       string `json:"run_id"`
	CVEID       string `json:"cve_id"`
	Description string `json:"description"`
	TemplateID  string `json:"template_id"`
	Filename    string `json:"filename"`
	Attempt     int    `json:"attempt"`
}

type refinePayload struct {
	RunID       string `json:"run_id"`
	CVEID       string `json:"cve_id"`
	Description string `json:"description"`
	Previous    string `json:"previous"`
	Failure     string `json:"failure"`
	Attempt     int    `json:"attempt"`
}

type finalizePayload struct {
	RunID string `json:"run_id"`
}

// handleFetch pulls the feed, drops CVEs the library already covers, and
// fans out one generation job per novel CVE with the store step as the
// group callback.
func (p *Pipeline) handleFetch(ctx context.Context, job *models.Job) ([]byte, error) {
	var payload fetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "malformed fetch payload")
	}

	records, err := p.feed.FetchRecent(ctx)
	if err != nil {
		return nil, err
	}

	var novel []models.CVERecord
	for _, rec := range records {
		if _, covered := p.library.ForCVE(rec.CVEID); covered {
			continue
		}
		novel = append(novel, rec)
		if len(novel) >= p.opts.MaxBatch {
			break
		}
	}

	log := p.logger.WithFields(logrus.Fields{
		"run_id": payload.RunID,
		"feed":   len(records),
		"novel":  len(novel),
	})

	batch := make([]string, 0, len(novel))
	for _, rec := range novel {
		batch = append(batch, rec.CVEID)
	}
	p.updateRun(ctx, payload.RunID, func(run *models.PipelineRun) {
		run.CVEBatch = batch
	})

	if len(novel) == 0 {
		log.Info("No novel CVEs, pipeline run complete")
		p.finishRun(ctx, payload.RunID, models.JobStateSuccess)
		return json.Marshal(batch)
	}

	specs := make([]scheduler.JobSpec, 0, len(novel))
	for _, rec := range novel {
		gp, err := json.Marshal(generatePayload{RunID: payload.RunID, CVE: rec})
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "marshal generate payload")
		}
		specs = append(specs, scheduler.JobSpec{
			Kind:     models.JobKindGenerateTemplate,
			Payload:  gp,
			ParentID: job.ParentID,
		})
	}
	// The nil callback payload makes the scheduler hand the store step the
	// member job id list; the run id travels inside each generation result.
	if _, err := p.sched.SubmitGroup(ctx, specs, &scheduler.JobSpec{
		Kind:     models.JobKindStoreTemplates,
		ParentID: job.ParentID,
	}); err != nil {
		return nil, err
	}

	log.Info("Generation jobs dispatched")
	return json.Marshal(batch)
}

// handleGenerate asks the model for a template covering one CVE
func (p *Pipeline) handleGenerate(ctx context.Context, job *models.Job) ([]byte, error) {
	var payload generatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "malformed generate payload")
	}

	completion, err := p.model.Complete(ctx, llm.GeneratePrompt(payload.CVE.CVEID, payload.CVE.Description))
	if err != nil {
		return nil, err
	}
	body, err := llm.ExtractYAML(completion)
	if err != nil {
		return nil, err
	}
	meta, err := templates.Parse(body)
	if err != nil {
		return nil, err
	}
	if meta.CVEID() != strings.ToUpper(payload.CVE.CVEID) {
		return nil, errs.New(errs.KindInvalidOutput, "generated template %s does not cover %s", meta.ID, payload.CVE.CVEID)
	}

	return json.Marshal(generateResult{
		RunID:       payload.RunID,
		CVEID:       payload.CVE.CVEID,
		Description: payload.CVE.Description,
		Template:    string(body),
	})
}

// handleStore persists the successful generations and fans out one
// validation job per stored template, with the finalize step as callback.
func (p *Pipeline) handleStore(ctx context.Context, job *models.Job) ([]byte, error) {
	var childIDs []string
	if err := json.Unmarshal(job.Payload, &childIDs); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "malformed store payload")
	}

	var specs []scheduler.JobSpec
	runID := ""
	stored := 0
	for _, childID := range childIDs {
		child, err := p.reg.Get(ctx, childID)
		if err != nil {
			p.logger.WithError(err).WithField("job_id", childID).Warn("Generation job vanished before store")
			continue
		}
		if child.State != models.JobStateSuccess {
			continue
		}
		var res generateResult
		if err := json.Unmarshal(child.Result, &res); err != nil {
			p.logger.WithError(err).WithField("job_id", childID).Warn("Corrupt generation result")
			continue
		}
		runID = res.RunID

		tpl, err := p.library.StoreGenerated(res.CVEID, []byte(res.Template))
		if err != nil {
			p.logger.WithError(err).WithField("cve_id", res.CVEID).Warn("Generated template rejected at store")
			continue
		}
		stored++
		p.bump(ctx, CounterGenerated, res.RunID, func(m *models.PipelineMetrics) { m.TemplatesGenerated++ })
		p.setTemplateState(ctx, tpl.TemplateID, models.ValidationUnvalidated)

		vp, err := json.Marshal(validatePayload{
			RunID:       res.RunID,
			CVEID:       res.CVEID,
			Description: res.Description,
			TemplateID:  tpl.TemplateID,
			Filename:    tpl.Filename,
			Attempt:     1,
		})
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "marshal validate payload")
		}
		specs = append(specs, scheduler.JobSpec{
			Kind:     models.JobKindValidateTemplate,
			Payload:  vp,
			ParentID: job.ParentID,
		})
	}

	if runID == "" {
		// Every generation failed; find the run through the root job so
		// it can still be closed out.
		if job.ParentID != "" {
			if run := p.runForRoot(ctx, job.ParentID); run != nil {
				p.finishRun(ctx, run.RunID, models.JobStateFailure)
			}
		}
		return nil, errs.New(errs.KindInvalidOutput, "no generation produced a usable template")
	}

	fin, err := json.Marshal(finalizePayload{RunID: runID})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "marshal finalize payload")
	}
	if _, err := p.sched.SubmitGroup(ctx, specs, &scheduler.JobSpec{
		Kind:     models.JobKindPipelineRoot,
		Payload:  fin,
		ParentID: job.ParentID,
	}); err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"stored": stored,
	}).Info("Templates stored, validation dispatched")
	return json.Marshal(map[string]int{"stored": stored})
}

// handleValidate scans the validation target with a single stored template
// and decides valid / refine / exhausted.
func (p *Pipeline) handleValidate(ctx context.Context, job *models.Job) ([]byte, error) {
	var payload validatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "malformed validate payload")
	}

	log := p.logger.WithFields(logrus.Fields{
		"run_id":  payload.RunID,
		"cve_id":  payload.CVEID,
		"attempt": payload.Attempt,
	})

	p.setTemplateState(ctx, payload.TemplateID, models.ValidationValidating)

	req := &models.ScanRequest{
		Target:        p.opts.ValidationTarget,
		Selector:      models.SelectFile(payload.Filename),
		ContainerName: runner.NewContainerName(),
	}
	if err := p.reg.SetContainerName(ctx, job.ID, req.ContainerName); err != nil {
		log.WithError(err).Warn("Could not record container name")
	}

	outcome, err := p.scans.Execute(ctx, job.ID, req)
	valid := false
	failure := "template produced no findings against the validation target"
	switch {
	case err != nil:
		failure = err.Error()
	case outcome != nil && outcome.FindingsCount > 0:
		valid, failure = p.validationVerdict(ctx, job.ID, payload.TemplateID)
	}

	if valid {
		p.bump(ctx, CounterValidated, payload.RunID, func(m *models.PipelineMetrics) { m.TemplatesValidated++ })
		p.setTemplateState(ctx, payload.TemplateID, models.ValidationValid)
		log.Info("Template validated")
		return json.Marshal(map[string]any{"valid": true, "attempt": payload.Attempt})
	}

	p.bump(ctx, CounterFailed, payload.RunID, func(m *models.PipelineMetrics) { m.ValidationsFailed++ })
	log.WithField("reason", failure).Warn("Template validation failed")

	if payload.Attempt >= maxValidationAttempts {
		p.bump(ctx, CounterExhausted, payload.RunID, func(m *models.PipelineMetrics) { m.RefinementsExhausted++ })
		p.setTemplateState(ctx, payload.TemplateID, models.ValidationInvalidMaxRetry)
		log.Warn("Refinement attempts exhausted")
		return json.Marshal(map[string]any{"valid": false, "attempt": payload.Attempt, "exhausted": true})
	}

	previous := ""
	if tpl, err := p.library.Get(payload.TemplateID); err == nil {
		previous = string(tpl.Body)
	}
	rp, err := json.Marshal(refinePayload{
		RunID:       payload.RunID,
		CVEID:       payload.CVEID,
		Description: payload.Description,
		Previous:    previous,
		Failure:     failure,
		Attempt:     payload.Attempt + 1,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "marshal refine payload")
	}
	p.bump(ctx, CounterRefined, payload.RunID, func(m *models.PipelineMetrics) { m.RefinementsAttempted++ })
	if _, err := p.sched.Submit(ctx, scheduler.JobSpec{
		Kind:     models.JobKindRefineTemplate,
		Payload:  rp,
		ParentID: job.ParentID,
		OnSuccess: &scheduler.JobSpec{
			Kind:     models.JobKindValidateTemplate,
			ParentID: job.ParentID,
		},
	}); err != nil {
		return nil, err
	}
	log.Info("Refinement dispatched")
	return json.Marshal(map[string]any{"valid": false, "attempt": payload.Attempt, "refining": true})
}

// validationVerdict judges a validation scan's findings against the stored
// template: the template is valid only when a finding carries its id at or
// above its declared severity.
func (p *Pipeline) validationVerdict(ctx context.Context, jobID, templateID string) (bool, string) {
	tpl, err := p.library.Get(templateID)
	if err != nil {
		return false, err.Error()
	}
	meta, err := templates.Parse(tpl.Body)
	if err != nil {
		return false, err.Error()
	}
	declared, _ := models.NormalizeSeverity(meta.Severity)

	findings, err := p.reg.Findings(ctx, jobID)
	if err != nil {
		return false, err.Error()
	}
	matched := false
	for _, f := range findings {
		if !strings.EqualFold(f.TemplateID, meta.ID) {
			continue
		}
		matched = true
		if f.Severity.AtLeast(declared) {
			return true, ""
		}
	}
	if matched {
		return false, fmt.Sprintf("findings for %s stayed below the declared severity %s", meta.ID, declared)
	}
	return false, fmt.Sprintf("no finding matched template id %s", meta.ID)
}

// handleRefine asks the model to fix a failed template and stores the new
// attempt; its result feeds the chained validation job.
func (p *Pipeline) handleRefine(ctx context.Context, job *models.Job) ([]byte, error) {
	var payload refinePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "malformed refine payload")
	}

	completion, err := p.model.Complete(ctx, llm.RefinePrompt(payload.CVEID, payload.Description, payload.Previous, payload.Failure))
	if err != nil {
		return nil, err
	}
	body, err := llm.ExtractYAML(completion)
	if err != nil {
		return nil, err
	}
	tpl, err := p.library.StoreRefined(payload.CVEID, body, payload.Attempt)
	if err != nil {
		return nil, err
	}
	p.setTemplateState(ctx, tpl.TemplateID, models.ValidationUnvalidated)

	// The chained validation job consumes this result as its payload.
	return json.Marshal(validatePayload{
		RunID:       payload.RunID,
		CVEID:       payload.CVEID,
		Description: payload.Description,
		TemplateID:  tpl.TemplateID,
		Filename:    tpl.Filename,
		Attempt:     payload.Attempt,
	})
}

// handleFinalize closes out the run once the initial validation group has
// settled. Refinement chains keep running under the same root and report
// through the counters and template states.
func (p *Pipeline) handleFinalize(ctx context.Context, job *models.Job) ([]byte, error) {
	var payload finalizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "malformed finalize payload")
	}
	p.finishRun(ctx, payload.RunID, models.JobStateSuccess)
	return json.Marshal(map[string]string{"run_id": payload.RunID})
}

// runForRoot finds the run owning the given root job id
func (p *Pipeline) runForRoot(ctx context.Context, rootID string) *models.PipelineRun {
	runs, err := p.ListRuns(ctx)
	if err != nil {
		return nil
	}
	for _, run := range runs {
		if run.RootJobID == rootID {
			return run
		}
	}
	return nil
}
