// Package registry is the single source of truth for job lifecycle, backed
// by the shared KV store. Jobs are mutated only through Transition, which
// enforces the legal state machine.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
)

const (
	jobKeyPrefix      = "job:"
	childrenKeyPrefix = "jobchildren:"
	findingsKeyPrefix = "findings:"
	heartbeatPrefix   = "worker:"
	heartbeatSuffix   = ":alive"
)

// HeartbeatTTL is how long a worker liveness marker survives without
// refresh. Workers refresh every 15s; three missed beats mean the worker
// is gone.
const HeartbeatTTL = 45 * time.Second

var legalTransitions = map[models.JobState][]models.JobState{
	models.JobStateQueued:   {models.JobStateRunning, models.JobStateCancelled},
	models.JobStateRunning:  {models.JobStateSuccess, models.JobStateFailure, models.JobStateCancelled},
	models.JobStateFailure:  {models.JobStateRetrying},
	models.JobStateRetrying: {models.JobStateQueued, models.JobStateRunning, models.JobStateCancelled},
}

func transitionLegal(from, to models.JobState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Patch carries the optional field updates applied atomically with a state
// transition. Zero values leave the corresponding field untouched.
type Patch struct {
	Result        []byte
	Error         string
	ContainerName string
	WorkerID      string
	Attempt       int
	RetryAt       time.Time
}

// Registry tracks every submitted unit of work
type Registry struct {
	store  kv.Store
	logger *logrus.Logger

	// Serializes read-modify-write cycles per job id within this process.
	// Jobs are single-writer by construction (the owning worker), so KV
	// single-key atomicity covers the cross-process case.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logs *logPager
}

// New creates a Registry on the given store
func New(store kv.Store, logger *logrus.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
		logs:   newLogPager(store),
	}
}

func (r *Registry) lock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	return m
}

// NewJobID allocates a fresh URL-safe job identifier
func NewJobID() string {
	return uuid.NewString()
}

// Create persists a new job in state queued with attempt 1
func (r *Registry) Create(ctx context.Context, kind models.JobKind, payload []byte, parentID string) (*models.Job, error) {
	job := &models.Job{
		ID:          NewJobID(),
		Kind:        kind,
		State:       models.JobStateQueued,
		ParentID:    parentID,
		Attempt:     1,
		MaxAttempts: models.DefaultMaxAttempts(kind),
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.put(ctx, job); err != nil {
		return nil, err
	}
	if parentID != "" {
		if err := r.store.LPush(ctx, childrenKeyPrefix+parentID, job.ID); err != nil {
			return nil, err
		}
	}
	r.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   kind,
		"parent": parentID,
	}).Debug("Job created")
	return job, nil
}

// Get returns the job with the given id
func (r *Registry) Get(ctx context.Context, id string) (*models.Job, error) {
	raw, err := r.store.Get(ctx, jobKeyPrefix+id)
	if err == kv.ErrNotFound {
		return nil, errs.New(errs.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "corrupt job record %s", id)
	}
	return &job, nil
}

// Transition moves a job to a new state, applying the patch. Illegal
// transitions fail without mutating anything.
func (r *Registry) Transition(ctx context.Context, id string, to models.JobState, patch Patch) (*models.Job, error) {
	m := r.lock(id)
	m.Lock()
	defer m.Unlock()

	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionLegal(job.State, to) {
		return nil, errs.New(errs.KindIllegalTransition, "job %s: %s -> %s", id, job.State, to)
	}

	from := job.State
	job.State = to
	now := time.Now().UTC()
	switch to {
	case models.JobStateRunning:
		if job.StartedAt.IsZero() {
			job.StartedAt = now
		}
		job.RetryAt = time.Time{}
	case models.JobStateRetrying:
		// The earlier failure is history once a retry is scheduled;
		// finished_at belongs to terminal states only.
		job.FinishedAt = time.Time{}
		job.Error = ""
	case models.JobStateSuccess, models.JobStateFailure, models.JobStateCancelled:
		job.FinishedAt = now
		if job.StartedAt.IsZero() {
			job.StartedAt = now
		}
	}

	if patch.Result != nil {
		job.Result = patch.Result
	}
	if patch.Error != "" {
		job.Error = patch.Error
	}
	if patch.ContainerName != "" {
		job.ContainerName = patch.ContainerName
	}
	if patch.WorkerID != "" {
		job.WorkerID = patch.WorkerID
	}
	if patch.Attempt > 0 {
		job.Attempt = patch.Attempt
	}
	if !patch.RetryAt.IsZero() {
		job.RetryAt = patch.RetryAt
	}

	if err := r.put(ctx, job); err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"job_id": id,
		"from":   from,
		"to":     to,
	}).Debug("Job state transition")
	return job, nil
}

// SetContainerName records the container allocated for a scan job without
// changing its state.
func (r *Registry) SetContainerName(ctx context.Context, id, name string) error {
	m := r.lock(id)
	m.Lock()
	defer m.Unlock()

	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	job.ContainerName = name
	return r.put(ctx, job)
}

// ListChildren returns the jobs whose parent_id is the given id
func (r *Registry) ListChildren(ctx context.Context, parentID string) ([]*models.Job, error) {
	n, err := r.store.LLen(ctx, childrenKeyPrefix+parentID)
	if err != nil {
		return nil, err
	}
	var children []*models.Job
	// Drain-and-restore keeps the Store interface minimal; child lists are
	// small (one entry per pipeline stage task).
	var ids []string
	for i := int64(0); i < n; i++ {
		id, err := r.store.BRPop(ctx, time.Millisecond, childrenKeyPrefix+parentID)
		if err != nil {
			break
		}
		ids = append(ids, id)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		_ = r.store.LPush(ctx, childrenKeyPrefix+parentID, ids[i])
	}
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		children = append(children, job)
	}
	return children, nil
}

// AddFinding appends a finding to the job's finding set, idempotently by
// finding id.
func (r *Registry) AddFinding(ctx context.Context, jobID string, f *models.Finding) error {
	m := r.lock(jobID)
	m.Lock()
	defer m.Unlock()

	findings, err := r.Findings(ctx, jobID)
	if err != nil {
		return err
	}
	for _, existing := range findings {
		if existing.FindingID == f.FindingID {
			return nil
		}
	}
	findings = append(findings, f)
	raw, err := json.Marshal(findings)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal findings")
	}
	return r.store.Set(ctx, findingsKeyPrefix+jobID, string(raw), 0)
}

// Findings returns all findings recorded for a job
func (r *Registry) Findings(ctx context.Context, jobID string) ([]*models.Finding, error) {
	raw, err := r.store.Get(ctx, findingsKeyPrefix+jobID)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var findings []*models.Finding
	if err := json.Unmarshal([]byte(raw), &findings); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "corrupt findings record %s", jobID)
	}
	return findings, nil
}

// AppendLog appends a chunk to the job's log stream
func (r *Registry) AppendLog(ctx context.Context, jobID string, chunk []byte) error {
	return r.logs.Append(ctx, jobID, chunk)
}

// ReadLog returns log bytes from the given offset and the next offset to
// poll from.
func (r *Registry) ReadLog(ctx context.Context, jobID string, offset int64) ([]byte, int64, error) {
	return r.logs.Read(ctx, jobID, offset)
}

// Heartbeat refreshes the liveness marker for a worker
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	return r.store.Set(ctx, heartbeatPrefix+workerID+heartbeatSuffix, time.Now().UTC().Format(time.RFC3339), HeartbeatTTL)
}

// WorkerAlive reports whether a worker's heartbeat is still fresh
func (r *Registry) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	return r.store.Exists(ctx, heartbeatPrefix+workerID+heartbeatSuffix)
}

// RecoverOrphans transitions running jobs whose worker heartbeat has
// expired to failure with a worker-lost error. Called once on startup.
func (r *Registry) RecoverOrphans(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, jobKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, jobKeyPrefix)
		job, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if job.State != models.JobStateRunning {
			continue
		}
		alive := false
		if job.WorkerID != "" {
			alive, _ = r.WorkerAlive(ctx, job.WorkerID)
		}
		if alive {
			continue
		}
		if _, err := r.Transition(ctx, id, models.JobStateFailure, Patch{Error: string(errs.KindWorkerLost)}); err != nil {
			r.logger.WithError(err).WithField("job_id", id).Warn("Orphan recovery transition failed")
			continue
		}
		recovered++
		r.logger.WithFields(logrus.Fields{
			"job_id":    id,
			"worker_id": job.WorkerID,
		}).Warn("Recovered orphaned job as worker lost")
	}
	return recovered, nil
}

// Reap removes terminal jobs finished before the cutoff, along with their
// logs and findings. Jobs still referenced by a live parent are skipped.
func (r *Registry) Reap(ctx context.Context, before time.Time) (int, error) {
	keys, err := r.store.Keys(ctx, jobKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, jobKeyPrefix)
		job, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if !job.State.IsTerminal() || job.FinishedAt.IsZero() || !job.FinishedAt.Before(before) {
			continue
		}
		if job.ParentID != "" {
			if _, err := r.Get(ctx, job.ParentID); err == nil {
				// Parent pipeline not reaped yet; keep the child.
				continue
			}
		}
		if err := r.delete(ctx, job); err != nil {
			r.logger.WithError(err).WithField("job_id", id).Warn("Job reap failed")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.WithField("reaped", reaped).Info("Reaped terminal jobs")
	}
	return reaped, nil
}

func (r *Registry) delete(ctx context.Context, job *models.Job) error {
	if err := r.logs.Delete(ctx, job.ID); err != nil {
		return err
	}
	return r.store.Delete(ctx,
		jobKeyPrefix+job.ID,
		findingsKeyPrefix+job.ID,
		childrenKeyPrefix+job.ID,
	)
}

func (r *Registry) put(ctx context.Context, job *models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "marshal job %s", job.ID)
	}
	return r.store.Set(ctx, jobKeyPrefix+job.ID, string(raw), 0)
}
