package scheduler

import (
	"context"
	"time"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/metrics"
)

// Well-known queue names. Pipeline stages run on their own queues so a CVE
// batch cannot starve interactive scan submissions and each stage gets its
// own concurrency limit.
const (
	QueueScans    = "scans"
	QueuePipeline = "pipeline"
	QueueGenerate = "generate"
	QueueValidate = "validate"
	QueueRefine   = "refine"
)

const queueKeyPrefix = "queue:"

// defaultQueueCap is the soft depth bound applied when none is configured
const defaultQueueCap = 1000

// Queue is a named durable FIFO of job ids backed by the KV store
type Queue struct {
	name  string
	cap   int64
	store kv.Store
}

// NewQueue creates a handle to the named queue. A cap of zero uses the
// default soft bound.
func NewQueue(name string, cap int64, store kv.Store) *Queue {
	if cap <= 0 {
		cap = defaultQueueCap
	}
	return &Queue{name: name, cap: cap, store: store}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Enqueue appends a job id, rejecting when the queue is at capacity
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	depth, err := q.store.LLen(ctx, queueKeyPrefix+q.name)
	if err != nil {
		return err
	}
	if depth >= q.cap {
		return errs.New(errs.KindQueueFull, "queue %s at capacity (%d)", q.name, q.cap)
	}
	if err := q.store.LPush(ctx, queueKeyPrefix+q.name, jobID); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth + 1))
	return nil
}

// Dequeue blocks up to the timeout for the next job id. Returns
// kv.ErrNotFound when the wait expires empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.store.BRPop(ctx, timeout, queueKeyPrefix+q.name)
	if err == nil {
		if depth, derr := q.store.LLen(ctx, queueKeyPrefix+q.name); derr == nil {
			metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
		}
	}
	return id, err
}

// Depth returns the current number of queued job ids
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, queueKeyPrefix+q.name)
}
