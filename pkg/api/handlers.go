package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

type scanRequest struct {
	Target   string                   `json:"target"`
	Selector *models.TemplateSelector `json:"selector,omitempty"`
}

type customScanRequest struct {
	Target   string `json:"target"`
	Template string `json:"template"`
}

type aiScanRequest struct {
	Target string `json:"target"`
	Prompt string `json:"prompt"`
}

type scanResponse struct {
	JobID         string `json:"job_id"`
	ContainerName string `json:"container_name"`
}

type jobResponse struct {
	Job      *models.Job       `json:"job"`
	Findings []*models.Finding `json:"findings"`
}

type triggerRequest struct {
	RunID string `json:"run_id,omitempty"`
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.New(errs.KindInvalidInput, "malformed request body"))
		return
	}

	var (
		job *models.Job
		err error
	)
	if req.Selector == nil || req.Selector.Kind == models.SelectorAll {
		job, err = s.scans.SubmitScan(r.Context(), req.Target)
	} else {
		job, err = s.scans.SubmitCustomScan(r.Context(), req.Target, *req.Selector)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, scanResponse{JobID: job.ID, ContainerName: job.ContainerName})
}

// handleSubmitCustomScan stores a caller-provided template and scans the
// target with just that file.
func (s *Server) handleSubmitCustomScan(w http.ResponseWriter, r *http.Request) {
	var req customScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.New(errs.KindInvalidInput, "malformed request body"))
		return
	}
	if req.Template == "" {
		s.writeError(w, errs.New(errs.KindInvalidInput, "template body is required"))
		return
	}

	tpl, err := s.library.StoreUpload([]byte(req.Template))
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.scans.SubmitCustomScan(r.Context(), req.Target, models.SelectFile(tpl.Filename))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, scanResponse{JobID: job.ID, ContainerName: job.ContainerName})
}

func (s *Server) handleSubmitAIScan(w http.ResponseWriter, r *http.Request) {
	var req aiScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.New(errs.KindInvalidInput, "malformed request body"))
		return
	}

	job, err := s.scans.SubmitAIScan(r.Context(), req.Target, req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, scanResponse{JobID: job.ID, ContainerName: job.ContainerName})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, findings, err := s.scans.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{Job: job, Findings: findings})
}

// handleJobLog returns the job's log from the requested byte offset. With
// follow=true the response is a chunked text stream that tails the log
// until the job reaches a terminal state.
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	follow := r.URL.Query().Get("follow") == "true"

	if !follow {
		data, next, err := s.scans.ReadLog(r.Context(), id, offset)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"data":        string(data),
			"next_offset": next,
		})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)

	for {
		data, next, err := s.scans.ReadLog(r.Context(), id, offset)
		if err != nil {
			return
		}
		if len(data) > 0 {
			if _, err := w.Write(data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			offset = next
			continue
		}

		job, _, err := s.scans.GetJob(r.Context(), id)
		if err != nil || job.State.IsTerminal() {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.scans.CancelJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "job_id": id})
}

func (s *Server) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Template string `json:"template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.New(errs.KindInvalidInput, "malformed request body"))
		return
	}

	tpl, err := s.library.StoreUpload([]byte(req.Template))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.library.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Copy before annotating; the library owns the indexed record.
	out := *tpl
	if state, err := s.pipe.TemplateValidationState(r.Context(), out.TemplateID); err == nil {
		out.ValidationState = state
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, errs.New(errs.KindInvalidInput, "malformed request body"))
			return
		}
	}

	run, err := s.pipe.Trigger(r.Context(), models.TriggerManual, req.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pipe.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.pipe.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePipelineMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.pipe.Metrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForKind(errs.KindOf(err))
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(errs.KindOf(err)),
	})
}

// statusForKind maps error kinds to HTTP status codes
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidInput, errs.KindInvalidOutput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindIllegalTransition:
		return http.StatusConflict
	case errs.KindQueueFull, errs.KindResourceExhausted:
		return http.StatusTooManyRequests
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindRuntimeUnavailable, errs.KindLLMUnavailable, errs.KindKVUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
