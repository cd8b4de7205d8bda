package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/registry"
)

func testScheduler(t *testing.T) (*Scheduler, *registry.Registry) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := kv.NewMemoryStore()
	reg := registry.New(store, logger)
	s := New(store, reg, Options{
		JobTimeout: 30 * time.Second,
		Backoff:    BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2.0},
	}, logger)
	t.Cleanup(func() { _ = s.Stop(5 * time.Second) })
	return s, reg
}

func waitForState(t *testing.T, reg *registry.Registry, id string, want models.JobState) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := reg.Get(context.Background(), id)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := reg.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s (stuck in %s)", id, want, job.State)
	return nil
}

func TestSubmitRunsHandler(t *testing.T) {
	s, reg := testScheduler(t)

	s.RegisterHandler(models.JobKindScan, QueueScans, func(_ context.Context, job *models.Job) ([]byte, error) {
		return []byte(`{"exit_code":0}`), nil
	})
	s.Start()

	job, err := s.Submit(context.Background(), JobSpec{Kind: models.JobKindScan, Payload: []byte(`{}`)})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, models.JobStateSuccess)
	assert.JSONEq(t, `{"exit_code":0}`, string(done.Result))
	assert.NotEmpty(t, done.WorkerID)
}

func TestRetriableFailureRetries(t *testing.T) {
	s, reg := testScheduler(t)

	var calls int32
	s.RegisterHandler(models.JobKindGenerateTemplate, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errs.New(errs.KindLLMUnavailable, "connection refused")
		}
		return []byte("ok"), nil
	})
	s.Start()

	job, err := s.Submit(context.Background(), JobSpec{Kind: models.JobKindGenerateTemplate})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, models.JobStateSuccess)
	assert.Equal(t, 3, done.Attempt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetriesExhausted(t *testing.T) {
	s, reg := testScheduler(t)

	var calls int32
	s.RegisterHandler(models.JobKindGenerateTemplate, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errs.New(errs.KindLLMUnavailable, "connection refused")
	})
	s.Start()

	job, err := s.Submit(context.Background(), JobSpec{Kind: models.JobKindGenerateTemplate})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, models.JobStateFailure)
	assert.Equal(t, done.MaxAttempts, int(atomic.LoadInt32(&calls)))
}

func TestNonRetriableFailureFailsImmediately(t *testing.T) {
	s, reg := testScheduler(t)

	var calls int32
	s.RegisterHandler(models.JobKindGenerateTemplate, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errs.New(errs.KindInvalidInput, "malformed payload")
	})
	s.Start()

	job, err := s.Submit(context.Background(), JobSpec{Kind: models.JobKindGenerateTemplate})
	require.NoError(t, err)

	waitForState(t, reg, job.ID, models.JobStateFailure)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPanicRecovery(t *testing.T) {
	s, reg := testScheduler(t)

	s.RegisterHandler(models.JobKindScan, QueueScans, func(_ context.Context, job *models.Job) ([]byte, error) {
		panic("boom")
	})
	s.Start()

	job, err := s.Submit(context.Background(), JobSpec{Kind: models.JobKindScan})
	require.NoError(t, err)

	done := waitForState(t, reg, job.ID, models.JobStateFailure)
	assert.Contains(t, done.Error, "panic")
}

func TestChainPassesResult(t *testing.T) {
	s, reg := testScheduler(t)

	s.RegisterHandler(models.JobKindFetchCVEs, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		return []byte(`["CVE-2024-0001"]`), nil
	})
	var gotPayload atomic.Value
	s.RegisterHandler(models.JobKindStoreTemplates, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		gotPayload.Store(string(job.Payload))
		return nil, nil
	})
	s.Start()

	first, err := s.Submit(context.Background(), JobSpec{
		Kind:      models.JobKindFetchCVEs,
		OnSuccess: &JobSpec{Kind: models.JobKindStoreTemplates},
	})
	require.NoError(t, err)
	waitForState(t, reg, first.ID, models.JobStateSuccess)

	require.Eventually(t, func() bool {
		v, _ := gotPayload.Load().(string)
		return v == `["CVE-2024-0001"]`
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChainAbortsOnFailure(t *testing.T) {
	s, reg := testScheduler(t)

	s.RegisterHandler(models.JobKindFetchCVEs, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		return nil, errs.New(errs.KindInvalidOutput, "bad feed")
	})
	var nextRan atomic.Bool
	s.RegisterHandler(models.JobKindStoreTemplates, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		nextRan.Store(true)
		return nil, nil
	})
	s.Start()

	first, err := s.Submit(context.Background(), JobSpec{
		Kind:      models.JobKindFetchCVEs,
		OnSuccess: &JobSpec{Kind: models.JobKindStoreTemplates},
	})
	require.NoError(t, err)
	waitForState(t, reg, first.ID, models.JobStateFailure)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, nextRan.Load())
}

func TestGroupCallbackFiresOnceAllDone(t *testing.T) {
	s, reg := testScheduler(t)

	s.RegisterHandler(models.JobKindGenerateTemplate, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		return job.Payload, nil
	})
	var callbackPayload atomic.Value
	s.RegisterHandler(models.JobKindStoreTemplates, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		callbackPayload.Store(string(job.Payload))
		return nil, nil
	})
	s.Start()

	specs := []JobSpec{
		{Kind: models.JobKindGenerateTemplate, Payload: []byte("a")},
		{Kind: models.JobKindGenerateTemplate, Payload: []byte("b")},
		{Kind: models.JobKindGenerateTemplate, Payload: []byte("c")},
	}
	jobs, err := s.SubmitGroup(context.Background(), specs, &JobSpec{Kind: models.JobKindStoreTemplates})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	for _, j := range jobs {
		waitForState(t, reg, j.ID, models.JobStateSuccess)
	}

	require.Eventually(t, func() bool {
		raw, _ := callbackPayload.Load().(string)
		if raw == "" {
			return false
		}
		var ids []string
		require.NoError(t, json.Unmarshal([]byte(raw), &ids))
		return len(ids) == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGroupCallbackFiresEvenWithFailedMember(t *testing.T) {
	s, reg := testScheduler(t)

	s.RegisterHandler(models.JobKindGenerateTemplate, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		if string(job.Payload) == "bad" {
			return nil, errs.New(errs.KindInvalidOutput, "no yaml block")
		}
		return job.Payload, nil
	})
	var fired atomic.Bool
	s.RegisterHandler(models.JobKindStoreTemplates, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		fired.Store(true)
		return nil, nil
	})
	s.Start()

	specs := []JobSpec{
		{Kind: models.JobKindGenerateTemplate, Payload: []byte("ok")},
		{Kind: models.JobKindGenerateTemplate, Payload: []byte("bad")},
	}
	_, err := s.SubmitGroup(context.Background(), specs, &JobSpec{Kind: models.JobKindStoreTemplates})
	require.NoError(t, err)

	require.Eventually(t, fired.Load, 5*time.Second, 10*time.Millisecond)
	_ = reg
}

func TestSubmitGroupAbortsCleanlyOnBadMember(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := kv.NewMemoryStore()
	reg := registry.New(store, logger)
	s := New(store, reg, Options{}, logger)

	s.RegisterHandler(models.JobKindGenerateTemplate, QueuePipeline, func(_ context.Context, job *models.Job) ([]byte, error) {
		return nil, nil
	})
	// Workers are never started, so the queue contents stay observable.

	_, err := s.SubmitGroup(context.Background(), []JobSpec{
		{Kind: models.JobKindGenerateTemplate},
		{Kind: models.JobKindValidateTemplate}, // nothing routes this kind
	}, nil)
	require.Error(t, err)

	depth, err := s.Queue(QueuePipeline).Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth, "members of a half-built group must not be enqueued")

	keys, err := store.Keys(context.Background(), "job:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	job, err := reg.Get(context.Background(), strings.TrimPrefix(keys[0], "job:"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)
}

func TestCancelQueuedJob(t *testing.T) {
	s, reg := testScheduler(t)

	// Handler registered but pool not started, so the job stays queued.
	s.RegisterHandler(models.JobKindScan, QueueScans, func(_ context.Context, job *models.Job) ([]byte, error) {
		return nil, nil
	})

	job, err := s.Submit(context.Background(), JobSpec{Kind: models.JobKindScan})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), job.ID))
	got, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, got.State)
}

func TestCancelRunningJob(t *testing.T) {
	s, reg := testScheduler(t)

	started := make(chan struct{})
	s.RegisterHandler(models.JobKindScan, QueueScans, func(ctx context.Context, job *models.Job) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "scan interrupted")
	})
	s.Start()

	job, err := s.Submit(context.Background(), JobSpec{Kind: models.JobKindScan})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, s.Cancel(context.Background(), job.ID))
	waitForState(t, reg, job.ID, models.JobStateCancelled)
}

func TestQueueFull(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := kv.NewMemoryStore()
	reg := registry.New(store, logger)
	s := New(store, reg, Options{QueueCaps: map[string]int64{QueueScans: 2}}, logger)
	s.RegisterHandler(models.JobKindScan, QueueScans, func(_ context.Context, job *models.Job) ([]byte, error) {
		return nil, nil
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, JobSpec{Kind: models.JobKindScan})
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, JobSpec{Kind: models.JobKindScan})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindQueueFull))
}

func TestBackoffCurve(t *testing.T) {
	cfg := BackoffConfig{Initial: 5 * time.Second, Max: 5 * time.Minute, Multiplier: 2.0}

	assert.Equal(t, 5*time.Second, cfg.Delay(2))
	assert.Equal(t, 10*time.Second, cfg.Delay(3))
	assert.Equal(t, 20*time.Second, cfg.Delay(4))
	// Capped at the max.
	assert.Equal(t, 5*time.Minute, cfg.Delay(10))
}

func TestBackoffJitterBounded(t *testing.T) {
	cfg := DefaultBackoffConfig()
	for i := 0; i < 50; i++ {
		// Jitter stays within [0, Initial] regardless of where the curve is.
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)

		d = cfg.Delay(10)
		assert.GreaterOrEqual(t, d, 5*time.Minute)
		assert.LessOrEqual(t, d, 5*time.Minute+5*time.Second)
	}
}
