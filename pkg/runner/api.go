// Package runner manages the lifecycle of scanner containers: launch,
// log streaming, exit collection, and cleanup.
package runner

import (
	"context"
	"io"
	"time"
)

// ManagedLabel marks containers owned by this service so the reaper never
// touches unrelated containers on the same host.
const ManagedLabel = "io.sentinelsec.scan-orchestrator"

// ContainerConfig describes the container to create
type ContainerConfig struct {
	Image       string
	Cmd         []string
	Env         []string
	NetworkMode string
	Labels      map[string]string
	// Binds are host mounts in Docker bind syntax, e.g.
	// /srv/templates:/templates:ro.
	Binds []string

	// Resource ceilings; zero means unlimited.
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
}

// ContainerInfo is the subset of container state the runner cares about
type ContainerInfo struct {
	ID      string
	Name    string
	Running bool
	Created time.Time
}

// ContainerAPI is the narrow container-runtime surface the runner depends
// on. The production implementation talks to the Docker daemon; tests
// substitute a fake.
type ContainerAPI interface {
	Create(ctx context.Context, name string, cfg ContainerConfig) (string, error)
	Start(ctx context.Context, id string) error
	// Logs returns the demultiplexed combined stdout/stderr stream. A
	// non-zero since restricts output to entries at or after that time.
	Logs(ctx context.Context, id string, since time.Time, follow bool) (io.ReadCloser, error)
	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, nameOrID string) (*ContainerInfo, error)
	// ListManaged returns all containers carrying the managed label,
	// running or not.
	ListManaged(ctx context.Context) ([]ContainerInfo, error)
	Close() error
}
