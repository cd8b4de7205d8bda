// Package scheduler executes registry jobs on named durable queues with a
// worker pool, retry with exponential backoff, and chain/group composition
// for multi-stage work.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/metrics"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/registry"
)

const (
	continuationPrefix = "continuation:"
	groupPrefix        = "group:"
	groupOfPrefix      = "groupof:"
	groupLeftPrefix    = "groupleft:"
	cancelPrefix       = "cancel:"

	dequeueWait = 5 * time.Second
)

// Handler processes one job and returns its result payload
type Handler func(ctx context.Context, job *models.Job) ([]byte, error)

// JobSpec describes a job to submit. OnSuccess chains a follow-up job that
// runs after this one succeeds; a chained spec with a nil payload receives
// the predecessor's result as its payload.
type JobSpec struct {
	Kind      models.JobKind `json:"kind"`
	Payload   []byte         `json:"payload,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	OnSuccess *JobSpec       `json:"on_success,omitempty"`
}

type groupRecord struct {
	ChildIDs []string `json:"child_ids"`
	Callback *JobSpec `json:"callback,omitempty"`
}

// Options configures the scheduler
type Options struct {
	// WorkersPerQueue maps queue name to worker count; queues not listed
	// get one worker.
	WorkersPerQueue map[string]int
	QueueCaps       map[string]int64
	JobTimeout      time.Duration
	Backoff         BackoffConfig
}

// Scheduler owns the queues and the worker pool
type Scheduler struct {
	store    kv.Store
	registry *registry.Registry
	opts     Options
	logger   *logrus.Logger

	instanceID string

	mu       sync.Mutex
	queues   map[string]*Queue
	handlers map[models.JobKind]Handler
	routes   map[models.JobKind]string
	running  map[string]context.CancelFunc

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a Scheduler
func New(store kv.Store, reg *registry.Registry, opts Options, logger *logrus.Logger) *Scheduler {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 15 * time.Minute
	}
	if opts.Backoff.Initial == 0 {
		opts.Backoff = DefaultBackoffConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		registry:   reg,
		opts:       opts,
		logger:     logger,
		instanceID: strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		queues:     map[string]*Queue{},
		handlers:   map[models.JobKind]Handler{},
		routes:     map[models.JobKind]string{},
		running:    map[string]context.CancelFunc{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterHandler binds a job kind to a handler and routes it to a queue.
// Must be called before Start.
func (s *Scheduler) RegisterHandler(kind models.JobKind, queueName string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
	s.routes[kind] = queueName
	if _, ok := s.queues[queueName]; !ok {
		s.queues[queueName] = NewQueue(queueName, s.opts.QueueCaps[queueName], s.store)
	}
}

// Queue returns the named queue handle, or nil if no handler routes to it
func (s *Scheduler) Queue(name string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[name]
}

func (s *Scheduler) route(kind models.JobKind) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.routes[kind]
	if !ok {
		return nil, errs.New(errs.KindInternal, "no handler registered for kind %s", kind)
	}
	return s.queues[name], nil
}

// Submit creates a job from the spec and enqueues it. The returned job is
// in state queued.
func (s *Scheduler) Submit(ctx context.Context, spec JobSpec) (*models.Job, error) {
	q, err := s.route(spec.Kind)
	if err != nil {
		return nil, err
	}
	job, err := s.registry.Create(ctx, spec.Kind, spec.Payload, spec.ParentID)
	if err != nil {
		return nil, err
	}
	if spec.OnSuccess != nil {
		if err := s.saveContinuation(ctx, job.ID, spec.OnSuccess); err != nil {
			return nil, err
		}
	}
	if err := q.Enqueue(ctx, job.ID); err != nil {
		if _, terr := s.registry.Transition(ctx, job.ID, models.JobStateCancelled, registry.Patch{Error: err.Error()}); terr != nil {
			s.logger.WithError(terr).WithField("job_id", job.ID).Warn("Could not cancel unenqueueable job")
		}
		return nil, err
	}
	return job, nil
}

// SubmitGroup submits the specs as a parallel group. When every member has
// reached a terminal state the callback is submitted with the member job
// ids as its payload (unless the callback spec carries its own payload).
func (s *Scheduler) SubmitGroup(ctx context.Context, specs []JobSpec, callback *JobSpec) ([]*models.Job, error) {
	if len(specs) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "empty group")
	}
	groupID := uuid.NewString()
	jobs := make([]*models.Job, 0, len(specs))
	queues := make([]*Queue, 0, len(specs))
	ids := make([]string, 0, len(specs))

	// Cancels the members created so far when group setup fails midway, so
	// no half-registered group leaves queued work behind.
	abort := func(err error) ([]*models.Job, error) {
		cleanCtx := context.WithoutCancel(ctx)
		for _, job := range jobs {
			_ = s.store.Delete(cleanCtx, groupOfPrefix+job.ID)
			s.finishJob(cleanCtx, job.ID, models.JobStateCancelled, registry.Patch{Error: err.Error()})
		}
		return nil, err
	}

	for _, spec := range specs {
		q, err := s.route(spec.Kind)
		if err != nil {
			return abort(err)
		}
		job, err := s.registry.Create(ctx, spec.Kind, spec.Payload, spec.ParentID)
		if err != nil {
			return abort(err)
		}
		jobs = append(jobs, job)
		queues = append(queues, q)
		ids = append(ids, job.ID)
		if spec.OnSuccess != nil {
			if err := s.saveContinuation(ctx, job.ID, spec.OnSuccess); err != nil {
				return abort(err)
			}
		}
		if err := s.store.Set(ctx, groupOfPrefix+job.ID, groupID, 0); err != nil {
			return abort(err)
		}
	}

	rec := groupRecord{ChildIDs: ids, Callback: callback}
	raw, err := json.Marshal(rec)
	if err != nil {
		return abort(errs.Wrap(errs.KindInternal, err, "marshal group record"))
	}
	if err := s.store.Set(ctx, groupPrefix+groupID, string(raw), 0); err != nil {
		return abort(err)
	}
	if _, err := s.store.IncrBy(ctx, groupLeftPrefix+groupID, int64(len(ids))); err != nil {
		return abort(err)
	}

	// Members enter the queues only after the group record and remaining
	// counter exist, so a fast worker cannot finish a child before the
	// group bookkeeping is in place.
	for i, job := range jobs {
		if err := queues[i].Enqueue(ctx, job.ID); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Error("Group member enqueue failed")
			s.finishJob(context.WithoutCancel(ctx), job.ID, models.JobStateCancelled, registry.Patch{Error: err.Error()})
		}
	}
	return jobs, nil
}

// Cancel requests cancellation of a job and all of its descendants. Queued
// and retrying jobs are cancelled immediately; running jobs are signalled
// and transition once their handler observes the cancellation.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.Set(ctx, cancelPrefix+id, "1", 24*time.Hour); err != nil {
		return err
	}
	job, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	switch job.State {
	case models.JobStateQueued, models.JobStateRetrying:
		s.finishJob(ctx, id, models.JobStateCancelled, registry.Patch{Error: string(errs.KindCancelled)})
	case models.JobStateRunning:
		s.mu.Lock()
		cancel, ok := s.running[id]
		s.mu.Unlock()
		if ok {
			cancel()
		}
	}

	children, err := s.registry.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.IsTerminal() {
			continue
		}
		if err := s.Cancel(ctx, child.ID); err != nil {
			s.logger.WithError(err).WithField("job_id", child.ID).Warn("Descendant cancel failed")
		}
	}
	return nil
}

// Start launches the worker pool
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, q := range s.queues {
		workers := s.opts.WorkersPerQueue[name]
		if workers <= 0 {
			workers = 1
		}
		s.logger.WithFields(logrus.Fields{
			"queue":   name,
			"workers": workers,
		}).Info("Starting queue workers")
		for i := 0; i < workers; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", s.instanceID, name, i)
			s.wg.Add(1)
			go s.worker(q, workerID)
		}
	}
}

// Stop gracefully stops the worker pool, waiting up to the timeout for
// in-flight jobs.
func (s *Scheduler) Stop(timeout time.Duration) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("All workers stopped gracefully")
		case <-time.After(timeout):
			stopErr = fmt.Errorf("scheduler shutdown timeout after %v", timeout)
			s.logger.Warn("Scheduler shutdown timeout, some workers may still be running")
		}
	})
	return stopErr
}

// RecoverRetries re-arms requeue timers for jobs left in state retrying by
// a previous process. Called once on startup after orphan recovery.
func (s *Scheduler) RecoverRetries(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, "job:*")
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, key := range keys {
		job, err := s.registry.Get(ctx, strings.TrimPrefix(key, "job:"))
		if err != nil || job.State != models.JobStateRetrying {
			continue
		}
		s.scheduleRequeue(job.ID, time.Until(job.RetryAt))
		recovered++
	}
	return recovered, nil
}

func (s *Scheduler) worker(q *Queue, workerID string) {
	defer s.wg.Done()

	log := s.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"queue":     q.Name(),
	})
	log.Debug("Worker started")

	hbStop := make(chan struct{})
	defer close(hbStop)
	go s.heartbeatLoop(workerID, hbStop)

	for {
		select {
		case <-s.ctx.Done():
			log.Debug("Worker stopping")
			return
		default:
		}

		jobID, err := q.Dequeue(s.ctx, dequeueWait)
		if err != nil {
			if err == kv.ErrNotFound || s.ctx.Err() != nil {
				continue
			}
			log.WithError(err).Warn("Dequeue error")
			time.Sleep(time.Second)
			continue
		}
		s.process(jobID, workerID, log)
	}
}

func (s *Scheduler) heartbeatLoop(workerID string, stop <-chan struct{}) {
	interval := registry.HeartbeatTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.registry.Heartbeat(context.Background(), workerID); err != nil {
			s.logger.WithError(err).WithField("worker_id", workerID).Warn("Heartbeat failed")
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) process(jobID, workerID string, log *logrus.Entry) {
	ctx := context.Background()
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		log.WithError(err).WithField("job_id", jobID).Warn("Dequeued unknown job")
		return
	}
	if job.State.IsTerminal() {
		return
	}
	if cancelled, _ := s.store.Exists(ctx, cancelPrefix+jobID); cancelled {
		s.finishJob(ctx, jobID, models.JobStateCancelled, registry.Patch{Error: string(errs.KindCancelled)})
		return
	}

	job, err = s.registry.Transition(ctx, jobID, models.JobStateRunning, registry.Patch{WorkerID: workerID})
	if err != nil {
		log.WithError(err).WithField("job_id", jobID).Warn("Could not claim job")
		return
	}

	s.mu.Lock()
	handler := s.handlers[job.Kind]
	s.mu.Unlock()
	if handler == nil {
		s.finishJob(ctx, jobID, models.JobStateFailure, registry.Patch{Error: "no handler for kind " + string(job.Kind)})
		return
	}

	jobCtx, jobCancel := context.WithTimeout(s.ctx, s.opts.JobTimeout)
	s.mu.Lock()
	s.running[jobID] = jobCancel
	s.mu.Unlock()

	result, err := s.runHandler(jobCtx, handler, job)

	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
	jobCancel()

	jlog := log.WithFields(logrus.Fields{
		"job_id":  jobID,
		"kind":    job.Kind,
		"attempt": job.Attempt,
	})

	switch {
	case err == nil:
		s.finishJob(ctx, jobID, models.JobStateSuccess, registry.Patch{Result: result})
		jlog.Info("Job completed")
	case s.wasCancelled(ctx, jobID, err):
		s.finishJob(ctx, jobID, models.JobStateCancelled, registry.Patch{Error: string(errs.KindCancelled)})
		jlog.Info("Job cancelled")
	case errs.IsRetriable(err) && job.Attempt < job.MaxAttempts:
		delay := s.opts.Backoff.Delay(job.Attempt + 1)
		if _, terr := s.registry.Transition(ctx, jobID, models.JobStateFailure, registry.Patch{Error: err.Error()}); terr != nil {
			jlog.WithError(terr).Error("Failure transition failed")
			return
		}
		if _, terr := s.registry.Transition(ctx, jobID, models.JobStateRetrying, registry.Patch{
			Attempt: job.Attempt + 1,
			RetryAt: time.Now().Add(delay).UTC(),
		}); terr != nil {
			jlog.WithError(terr).Error("Retry transition failed")
			return
		}
		s.scheduleRequeue(jobID, delay)
		jlog.WithFields(logrus.Fields{
			"backoff": delay.Round(time.Millisecond).String(),
			"error":   err.Error(),
		}).Warn("Job failed, retry scheduled")
	default:
		s.finishJob(ctx, jobID, models.JobStateFailure, registry.Patch{Error: err.Error()})
		jlog.WithField("error", err.Error()).Error("Job failed")
	}
}

func (s *Scheduler) runHandler(ctx context.Context, handler Handler, job *models.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"kind":   job.Kind,
				"panic":  r,
			}).Error("Worker panic recovered")
			err = errs.New(errs.KindInternal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (s *Scheduler) wasCancelled(ctx context.Context, jobID string, err error) bool {
	if errs.Is(err, errs.KindCancelled) {
		return true
	}
	flagged, _ := s.store.Exists(ctx, cancelPrefix+jobID)
	return flagged
}

// finishJob transitions a job to a terminal state and fires its
// continuations.
func (s *Scheduler) finishJob(ctx context.Context, jobID string, state models.JobState, patch registry.Patch) {
	job, err := s.registry.Transition(ctx, jobID, state, patch)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id": jobID,
			"to":     state,
		}).Error("Terminal transition failed")
		return
	}
	metrics.RecordJobTerminal(string(job.Kind), string(state))
	if state == models.JobStateSuccess {
		s.fireContinuation(ctx, job)
	} else {
		s.dropContinuation(ctx, jobID)
	}
	s.noteGroupMemberDone(ctx, job)
}

func (s *Scheduler) saveContinuation(ctx context.Context, jobID string, next *JobSpec) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal continuation")
	}
	return s.store.Set(ctx, continuationPrefix+jobID, string(raw), 0)
}

func (s *Scheduler) fireContinuation(ctx context.Context, job *models.Job) {
	raw, err := s.store.Get(ctx, continuationPrefix+job.ID)
	if err == kv.ErrNotFound {
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Continuation lookup failed")
		return
	}
	var next JobSpec
	if err := json.Unmarshal([]byte(raw), &next); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Corrupt continuation record")
		return
	}
	_ = s.store.Delete(ctx, continuationPrefix+job.ID)

	if next.Payload == nil {
		next.Payload = job.Result
	}
	if next.ParentID == "" {
		next.ParentID = job.ParentID
	}
	if _, err := s.Submit(ctx, next); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id": job.ID,
			"kind":   next.Kind,
		}).Error("Continuation submit failed")
	}
}

func (s *Scheduler) dropContinuation(ctx context.Context, jobID string) {
	_ = s.store.Delete(ctx, continuationPrefix+jobID)
}

func (s *Scheduler) noteGroupMemberDone(ctx context.Context, job *models.Job) {
	groupID, err := s.store.Get(ctx, groupOfPrefix+job.ID)
	if err != nil {
		return
	}
	_ = s.store.Delete(ctx, groupOfPrefix+job.ID)

	left, err := s.store.IncrBy(ctx, groupLeftPrefix+groupID, -1)
	if err != nil || left > 0 {
		return
	}

	raw, err := s.store.Get(ctx, groupPrefix+groupID)
	if err != nil {
		s.logger.WithError(err).WithField("group_id", groupID).Error("Group record lookup failed")
		return
	}
	var rec groupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.WithError(err).WithField("group_id", groupID).Error("Corrupt group record")
		return
	}
	_ = s.store.Delete(ctx, groupPrefix+groupID, groupLeftPrefix+groupID)

	if rec.Callback == nil {
		return
	}
	cb := *rec.Callback
	if cb.Payload == nil {
		ids, err := json.Marshal(rec.ChildIDs)
		if err != nil {
			s.logger.WithError(err).WithField("group_id", groupID).Error("Group callback payload marshal failed")
			return
		}
		cb.Payload = ids
	}
	if _, err := s.Submit(ctx, cb); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"group_id": groupID,
			"kind":     cb.Kind,
		}).Error("Group callback submit failed")
	}
}

func (s *Scheduler) scheduleRequeue(jobID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		job, err := s.registry.Get(ctx, jobID)
		if err != nil || job.State != models.JobStateRetrying {
			return
		}
		if cancelled, _ := s.store.Exists(ctx, cancelPrefix+jobID); cancelled {
			s.finishJob(ctx, jobID, models.JobStateCancelled, registry.Patch{Error: string(errs.KindCancelled)})
			return
		}
		q, err := s.route(job.Kind)
		if err != nil {
			return
		}
		if _, err := s.registry.Transition(ctx, jobID, models.JobStateQueued, registry.Patch{}); err != nil {
			s.logger.WithError(err).WithField("job_id", jobID).Error("Requeue transition failed")
			return
		}
		if err := q.Enqueue(ctx, jobID); err != nil {
			s.logger.WithError(err).WithField("job_id", jobID).Error("Requeue enqueue failed")
		}
	})
}
