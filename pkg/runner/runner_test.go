package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

type fakeContainer struct {
	name    string
	cfg     ContainerConfig
	running bool
	created time.Time
	logs    []byte
	exit    int64
}

type fakeAPI struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int
	imageGone  bool
	startFails bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{containers: map[string]*fakeContainer{}}
}

func (f *fakeAPI) Create(_ context.Context, name string, cfg ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imageGone {
		return "", errs.New(errs.KindImageMissing, "no such image: %s", cfg.Image)
	}
	for _, c := range f.containers {
		if c.name == name {
			return "", errs.New(errs.KindResourceExhausted, "name %s in use", name)
		}
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%04d", f.nextID)
	f.containers[id] = &fakeContainer{name: name, cfg: cfg, created: time.Now()}
	return id, nil
}

func (f *fakeAPI) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startFails {
		return errs.New(errs.KindRuntimeUnavailable, "start failed")
	}
	c, ok := f.containers[id]
	if !ok {
		return errs.New(errs.KindNotFound, "container %s", id)
	}
	c.running = true
	return nil
}

func (f *fakeAPI) Logs(_ context.Context, id string, _ time.Time, _ bool) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "container %s", id)
	}
	return io.NopCloser(bytes.NewReader(c.logs)), nil
}

func (f *fakeAPI) Wait(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return 0, errs.New(errs.KindNotFound, "container %s", id)
	}
	c.running = false
	return c.exit, nil
}

func (f *fakeAPI) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errs.New(errs.KindNotFound, "container %s", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeAPI) Inspect(_ context.Context, nameOrID string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.containers {
		if id == nameOrID || c.name == nameOrID {
			return &ContainerInfo{ID: id, Name: c.name, Running: c.running, Created: c.created}, nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "container %s", nameOrID)
}

func (f *fakeAPI) ListManaged(_ context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for id, c := range f.containers {
		out = append(out, ContainerInfo{ID: id, Name: c.name, Running: c.running, Created: c.created})
	}
	return out, nil
}

func (f *fakeAPI) Close() error { return nil }

func (f *fakeAPI) setCreated(id string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id].created = t
}

func testRunner(api ContainerAPI) *Runner {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(api, Options{Image: "projectdiscovery/nuclei:latest"}, logger)
}

func TestNewContainerName(t *testing.T) {
	a := NewContainerName()
	b := NewContainerName()
	assert.True(t, strings.HasPrefix(a, "nuclei_scan_"))
	assert.NotEqual(t, a, b)
}

func TestLaunchAndDestroy(t *testing.T) {
	api := newFakeAPI()
	r := testRunner(api)
	ctx := context.Background()

	c, err := r.Launch(ctx, "", []string{"-u", "https://example.com", "-t", "cves/"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Name, "nuclei_scan_"))

	info, err := api.Inspect(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, info.Running)

	require.NoError(t, r.Destroy(ctx, c))
	// Destroying again is a no-op.
	require.NoError(t, r.Destroy(ctx, c))
}

func TestLaunchNameCollision(t *testing.T) {
	api := newFakeAPI()
	r := testRunner(api)
	ctx := context.Background()

	_, err := r.Launch(ctx, "nuclei_scan_aabbccddeeff", []string{"-u", "x"})
	require.NoError(t, err)

	_, err = r.Launch(ctx, "nuclei_scan_aabbccddeeff", []string{"-u", "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindResourceExhausted))
}

func TestLaunchRejectsForeignName(t *testing.T) {
	r := testRunner(newFakeAPI())

	_, err := r.Launch(context.Background(), "postgres", []string{"-u", "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}

func TestLaunchImageMissing(t *testing.T) {
	api := newFakeAPI()
	api.imageGone = true
	r := testRunner(api)

	_, err := r.Launch(context.Background(), "", []string{"-u", "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindImageMissing))
}

func TestLaunchStartFailureCleansUp(t *testing.T) {
	api := newFakeAPI()
	api.startFails = true
	r := testRunner(api)

	_, err := r.Launch(context.Background(), "", []string{"-u", "x"})
	require.Error(t, err)

	list, err := api.ListManaged(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStreamLogs(t *testing.T) {
	api := newFakeAPI()
	r := testRunner(api)
	ctx := context.Background()

	c, err := r.Launch(ctx, "", []string{"-u", "x"})
	require.NoError(t, err)

	want := []byte("[INF] Templates loaded for current scan: 42\n[INF] No results found. Better luck next time!\n")
	api.mu.Lock()
	api.containers[c.ID].logs = want
	api.containers[c.ID].running = false
	api.mu.Unlock()

	var got bytes.Buffer
	for chunk := range r.StreamLogs(ctx, c) {
		require.NoError(t, chunk.Err)
		got.Write(chunk.Data)
	}
	assert.Equal(t, want, got.Bytes())
}

func TestStreamLogsCancel(t *testing.T) {
	api := newFakeAPI()
	r := testRunner(api)

	c, err := r.Launch(context.Background(), "", []string{"-u", "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.StreamLogs(ctx, c)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestWaitReturnsExitCode(t *testing.T) {
	api := newFakeAPI()
	r := testRunner(api)
	ctx := context.Background()

	c, err := r.Launch(ctx, "", []string{"-u", "x"})
	require.NoError(t, err)
	api.mu.Lock()
	api.containers[c.ID].exit = 2
	api.mu.Unlock()

	code, err := r.Wait(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(2), code)
}

func TestReapRemovesOldContainers(t *testing.T) {
	api := newFakeAPI()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := New(api, Options{Image: "projectdiscovery/nuclei:latest", ContainerTTL: time.Hour}, logger)
	ctx := context.Background()

	old, err := r.Launch(ctx, "", []string{"-u", "x"})
	require.NoError(t, err)
	api.setCreated(old.ID, time.Now().Add(-2*time.Hour))

	fresh, err := r.Launch(ctx, "", []string{"-u", "y"})
	require.NoError(t, err)

	r.reap(ctx, time.Now().Add(-time.Hour))

	_, err = api.Inspect(ctx, old.ID)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	_, err = api.Inspect(ctx, fresh.ID)
	require.NoError(t, err)
}
