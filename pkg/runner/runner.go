package runner

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

const containerNamePrefix = "nuclei_scan_"

// logStreamBuffer bounds the in-flight chunks between the daemon and a
// slow consumer.
const logStreamBuffer = 256

// Options configures the runner
type Options struct {
	// Image is the scanner image reference, e.g. projectdiscovery/nuclei:latest.
	Image       string
	NetworkMode string
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
	// Binds are applied to every launched container, typically the
	// template library mount.
	Binds []string

	// ContainerTTL is the age past which the reaper force-removes leftover
	// containers regardless of state.
	ContainerTTL time.Duration
	ReapInterval time.Duration
}

// LogChunk is one slice of combined container output. Err is set on the
// final chunk when the stream ended abnormally.
type LogChunk struct {
	Data []byte
	Err  error
}

// Container is a handle to a launched scanner container
type Container struct {
	ID   string
	Name string
}

// Runner launches and supervises scanner containers
type Runner struct {
	api    ContainerAPI
	opts   Options
	logger *logrus.Logger
}

// New creates a Runner on the given container API
func New(api ContainerAPI, opts Options, logger *logrus.Logger) *Runner {
	if opts.ContainerTTL <= 0 {
		opts.ContainerTTL = time.Hour
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 5 * time.Minute
	}
	return &Runner{api: api, opts: opts, logger: logger}
}

// NewContainerName allocates a unique scanner container name
func NewContainerName() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return containerNamePrefix + suffix
}

// Launch creates and starts a scanner container running the given command
// arguments. An empty name gets a generated one. The container is removed
// again if it cannot be started.
func (r *Runner) Launch(ctx context.Context, name string, args []string) (*Container, error) {
	if name == "" {
		name = NewContainerName()
	}
	if !strings.HasPrefix(name, containerNamePrefix) {
		return nil, errs.New(errs.KindInvalidInput, "container name %q lacks %s prefix", name, containerNamePrefix)
	}
	if existing, err := r.api.Inspect(ctx, name); err == nil && existing != nil {
		return nil, errs.New(errs.KindResourceExhausted, "container name %s already in use", name)
	}

	id, err := r.api.Create(ctx, name, ContainerConfig{
		Image:       r.opts.Image,
		Cmd:         args,
		NetworkMode: r.opts.NetworkMode,
		Binds:       r.opts.Binds,
		NanoCPUs:    r.opts.NanoCPUs,
		MemoryBytes: r.opts.MemoryBytes,
		PidsLimit:   r.opts.PidsLimit,
	})
	if err != nil {
		return nil, err
	}
	if err := r.api.Start(ctx, id); err != nil {
		if rmErr := r.api.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			r.logger.WithError(rmErr).WithField("container", name).Warn("Cleanup of unstartable container failed")
		}
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"container": name,
		"image":     r.opts.Image,
	}).Info("Scanner container started")
	return &Container{ID: id, Name: name}, nil
}

// StreamLogs follows the container's combined output. The stream survives
// transient daemon disconnects by resuming from the last delivered
// timestamp; it ends when the container stops, the context is cancelled,
// or reconnection gives up.
func (r *Runner) StreamLogs(ctx context.Context, c *Container) <-chan LogChunk {
	out := make(chan LogChunk, logStreamBuffer)
	go func() {
		defer close(out)
		var since time.Time
		for attempt := 0; ; attempt++ {
			rc, err := r.api.Logs(ctx, c.ID, since, true)
			if err != nil {
				out <- LogChunk{Err: err}
				return
			}
			readAny := r.pump(ctx, rc, out, &since)
			rc.Close()
			if ctx.Err() != nil {
				return
			}

			info, err := r.api.Inspect(ctx, c.ID)
			if err != nil || !info.Running {
				return
			}
			if readAny {
				attempt = 0
			}
			if attempt >= 3 {
				out <- LogChunk{Err: errs.New(errs.KindRuntimeUnavailable, "log stream for %s lost", c.Name)}
				return
			}
			r.logger.WithField("container", c.Name).Debug("Reconnecting log stream")
			time.Sleep(time.Second)
		}
	}()
	return out
}

func (r *Runner) pump(ctx context.Context, rc io.ReadCloser, out chan<- LogChunk, since *time.Time) bool {
	buf := make([]byte, 4096)
	readAny := false
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			readAny = true
			*since = time.Now()
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- LogChunk{Data: data}:
			case <-ctx.Done():
				return readAny
			}
		}
		if err != nil {
			return readAny
		}
	}
}

// Wait blocks until the container exits and returns its exit code
func (r *Runner) Wait(ctx context.Context, c *Container) (int64, error) {
	return r.api.Wait(ctx, c.ID)
}

// Destroy force-removes the container. Removing an already-gone container
// is not an error.
func (r *Runner) Destroy(ctx context.Context, c *Container) error {
	if err := r.api.Remove(ctx, c.ID); err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	r.logger.WithField("container", c.Name).Debug("Scanner container removed")
	return nil
}

// RunReaper periodically removes managed containers older than the TTL.
// It blocks until the context is cancelled, then makes one final sweep to
// clear everything this service owns.
func (r *Runner) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reap(ctx, time.Now().Add(-r.opts.ContainerTTL))
		case <-ctx.Done():
			r.reap(context.WithoutCancel(ctx), time.Now())
			return
		}
	}
}

func (r *Runner) reap(ctx context.Context, cutoff time.Time) {
	list, err := r.api.ListManaged(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Container reap sweep failed")
		return
	}
	for _, c := range list {
		if c.Created.After(cutoff) {
			continue
		}
		if err := r.api.Remove(ctx, c.ID); err != nil {
			r.logger.WithError(err).WithField("container", c.Name).Warn("Container reap failed")
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"container": c.Name,
			"age":       time.Since(c.Created).Round(time.Second).String(),
		}).Info("Reaped leftover scanner container")
	}
}
