package runner

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

// DockerAPI implements ContainerAPI against the Docker daemon
type DockerAPI struct {
	cli *client.Client
}

// NewDockerAPI connects to the Docker daemon. Host may be empty to use the
// environment default.
func NewDockerAPI(ctx context.Context, host string) (*DockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntimeUnavailable, err, "docker client init")
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, errs.Wrap(errs.KindRuntimeUnavailable, err, "docker daemon unreachable")
	}
	return &DockerAPI{cli: cli}, nil
}

func (d *DockerAPI) Create(ctx context.Context, name string, cfg ContainerConfig) (string, error) {
	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		Binds:       cfg.Binds,
		Resources: container.Resources{
			NanoCPUs: cfg.NanoCPUs,
			Memory:   cfg.MemoryBytes,
		},
	}
	if cfg.PidsLimit > 0 {
		limit := cfg.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  cfg.Image,
		Cmd:    cfg.Cmd,
		Env:    cfg.Env,
		Labels: labels,
	}, hostCfg, nil, nil, name)
	if err != nil {
		switch {
		case errdefs.IsNotFound(err):
			return "", errs.Wrap(errs.KindImageMissing, err, "image %s not present", cfg.Image)
		case errdefs.IsConflict(err):
			return "", errs.Wrap(errs.KindResourceExhausted, err, "container name %s in use", name)
		default:
			return "", errs.Wrap(errs.KindRuntimeUnavailable, err, "container create")
		}
	}
	return resp.ID, nil
}

func (d *DockerAPI) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return errs.Wrap(errs.KindRuntimeUnavailable, err, "container start")
	}
	return nil
}

func (d *DockerAPI) Logs(ctx context.Context, id string, since time.Time, follow bool) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	}
	if !since.IsZero() {
		opts.Since = since.UTC().Format(time.RFC3339Nano)
	}
	raw, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntimeUnavailable, err, "container logs")
	}

	// The daemon multiplexes stdout/stderr onto one stream; demux into a
	// single combined reader.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (d *DockerAPI) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, errs.New(errs.KindInternal, "container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, errs.Wrap(errs.KindRuntimeUnavailable, err, "container wait")
	case <-ctx.Done():
		return 0, errs.Wrap(errs.KindCancelled, ctx.Err(), "container wait")
	}
}

func (d *DockerAPI) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return errs.Wrap(errs.KindRuntimeUnavailable, err, "container remove")
	}
	return nil
}

func (d *DockerAPI) Inspect(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errs.Wrap(errs.KindNotFound, err, "container %s", nameOrID)
		}
		return nil, errs.Wrap(errs.KindRuntimeUnavailable, err, "container inspect")
	}
	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	return &ContainerInfo{
		ID:      info.ID,
		Name:    info.Name,
		Running: info.State != nil && info.State.Running,
		Created: created,
	}, nil
}

func (d *DockerAPI) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel)),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntimeUnavailable, err, "container list")
	}
	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Running: c.State == "running",
			Created: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func (d *DockerAPI) Close() error {
	return d.cli.Close()
}
