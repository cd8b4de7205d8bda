package kv

import (
	"context"
	"time"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

// ErrNotFound is returned by Get when a key does not exist and by BRPop when
// the wait times out without an item arriving.
var ErrNotFound = errs.New(errs.KindNotFound, "key not found")

// Store is the shared key-value abstraction backing the job registry, the
// CVE cache, the pipeline counters, and the task queues. All writes are
// atomic at key granularity.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	LPush(ctx context.Context, key, value string) error
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}
