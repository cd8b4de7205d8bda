package scan

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/llm"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/metrics"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/nuclei"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/runner"
)

// noResultsMarker is the scanner's clean-exit line when nothing matched
const noResultsMarker = "No results found"

// HandleScan executes one scan job end to end: container launch, log
// streaming, parsing, and cleanup.
func (s *Service) HandleScan(ctx context.Context, job *models.Job) ([]byte, error) {
	var req models.ScanRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "malformed scan payload")
	}

	if job.Kind == models.JobKindAIScan {
		sel, err := s.generateAdhocTemplate(ctx, req.Prompt)
		if err != nil {
			return nil, err
		}
		req.Selector = sel
	}

	start := time.Now()
	outcome, err := s.Execute(ctx, job.ID, &req)
	if outcome != nil {
		metrics.RecordScan(string(job.Kind), string(outcome.TerminalEvent), time.Since(start).Seconds(), outcome.FindingsCount)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcome)
}

// generateAdhocTemplate turns a natural-language prompt into a stored
// upload and returns a selector pointing at it.
func (s *Service) generateAdhocTemplate(ctx context.Context, prompt string) (models.TemplateSelector, error) {
	completion, err := s.model.Complete(ctx, llm.AdhocPrompt(prompt))
	if err != nil {
		return models.TemplateSelector{}, err
	}
	body, err := llm.ExtractYAML(completion)
	if err != nil {
		return models.TemplateSelector{}, err
	}
	tpl, err := s.library.StoreUpload(body)
	if err != nil {
		return models.TemplateSelector{}, err
	}
	return models.SelectFile(tpl.Filename), nil
}

// Execute runs a prepared scan request inside a scanner container and
// persists its log and findings under the given job id. The returned
// outcome is non-nil whenever a container actually ran.
func (s *Service) Execute(ctx context.Context, jobID string, req *models.ScanRequest) (*models.ScanOutcome, error) {
	paths, err := s.library.Resolve(req.Selector)
	if err != nil {
		return nil, err
	}
	args := []string{"-u", req.Target}
	for _, p := range paths {
		args = append(args, "-t", path.Join(s.opts.TemplateMountPath, p))
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	defer cancel()

	ctr, err := s.runner.Launch(scanCtx, req.ContainerName, args)
	if err != nil {
		metrics.RecordContainerLaunch("error")
		return nil, err
	}
	metrics.RecordContainerLaunch("ok")
	defer func() {
		if err := s.runner.Destroy(context.WithoutCancel(ctx), ctr); err != nil {
			s.logger.WithError(err).WithField("container", ctr.Name).Warn("Scan container cleanup failed")
		}
	}()

	log := s.logger.WithFields(logrus.Fields{
		"job_id":    jobID,
		"container": ctr.Name,
		"target":    req.Target,
	})

	looped, noResults, streamErr := s.consumeStream(scanCtx, jobID, req.Target, ctr)

	outcome := &models.ScanOutcome{}
	findings, err := s.registry.Findings(ctx, jobID)
	if err == nil {
		outcome.FindingsCount = len(findings)
	}

	switch {
	case looped:
		outcome.TerminalEvent = models.TerminalLoopDetected
		log.Warn("Scan aborted on repeating output")
		return outcome, errs.New(errs.KindLoopDetected, "scanner output entered a loop")
	case scanCtx.Err() == context.DeadlineExceeded:
		outcome.TerminalEvent = models.TerminalTimeout
		log.WithField("timeout", s.opts.ScanTimeout.String()).Warn("Scan timed out")
		return outcome, errs.New(errs.KindTimeout, "scan exceeded %s", s.opts.ScanTimeout)
	case ctx.Err() != nil:
		return outcome, errs.Wrap(errs.KindCancelled, ctx.Err(), "scan interrupted")
	case streamErr != nil:
		outcome.TerminalEvent = models.TerminalRuntimeError
		return outcome, streamErr
	}

	waitCtx, waitCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer waitCancel()
	exitCode, err := s.runner.Wait(waitCtx, ctr)
	if err != nil {
		outcome.TerminalEvent = models.TerminalRuntimeError
		return outcome, err
	}
	outcome.ExitCode = int(exitCode)

	switch {
	case exitCode != 0:
		outcome.TerminalEvent = models.TerminalRuntimeError
		log.WithField("exit_code", exitCode).Warn("Scanner exited abnormally")
		return outcome, errs.New(errs.KindInternal, "scanner exited with code %d", exitCode)
	case noResults && outcome.FindingsCount == 0:
		outcome.TerminalEvent = models.TerminalNoResults
	default:
		outcome.TerminalEvent = models.TerminalCompleted
	}

	log.WithFields(logrus.Fields{
		"findings":       outcome.FindingsCount,
		"terminal_event": outcome.TerminalEvent,
	}).Info("Scan finished")
	return outcome, nil
}

// consumeStream pumps container output through the parser, persisting the
// raw log and recording findings as they appear.
func (s *Service) consumeStream(ctx context.Context, jobID, scanTarget string, ctr *runner.Container) (looped, noResults bool, err error) {
	parser := nuclei.NewParser(jobID, scanTarget)
	var partial strings.Builder

	for chunk := range s.runner.StreamLogs(ctx, ctr) {
		if chunk.Err != nil {
			return looped, noResults, chunk.Err
		}
		if appendErr := s.registry.AppendLog(ctx, jobID, chunk.Data); appendErr != nil {
			s.logger.WithError(appendErr).WithField("job_id", jobID).Warn("Log persist failed")
		}

		partial.Write(chunk.Data)
		lines := strings.Split(partial.String(), "\n")
		partial.Reset()
		// The last element is an unterminated fragment; keep it for the
		// next chunk.
		partial.WriteString(lines[len(lines)-1])

		for _, line := range lines[:len(lines)-1] {
			if strings.Contains(line, noResultsMarker) {
				noResults = true
			}
			for _, ev := range parser.Feed(line) {
				switch ev.Type {
				case nuclei.EventFinding:
					if addErr := s.registry.AddFinding(ctx, jobID, ev.Finding); addErr != nil {
						s.logger.WithError(addErr).WithField("job_id", jobID).Warn("Finding persist failed")
					}
				case nuclei.EventLoopDetected:
					looped = true
				}
			}
		}
		if looped {
			// Stop the container; the deferred destroy in Execute will
			// remove it.
			if stopErr := s.runner.Destroy(context.WithoutCancel(ctx), ctr); stopErr != nil {
				s.logger.WithError(stopErr).WithField("container", ctr.Name).Warn("Loop abort destroy failed")
			}
			return looped, noResults, nil
		}
	}

	// Flush a trailing unterminated line.
	if tail := partial.String(); tail != "" {
		if strings.Contains(tail, noResultsMarker) {
			noResults = true
		}
		for _, ev := range parser.Feed(tail) {
			if ev.Type == nuclei.EventFinding {
				if addErr := s.registry.AddFinding(ctx, jobID, ev.Finding); addErr != nil {
					s.logger.WithError(addErr).WithField("job_id", jobID).Warn("Finding persist failed")
				}
			}
		}
	}
	return looped, noResults, nil
}
