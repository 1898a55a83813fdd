package topology

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// dockerClient is the narrow subset of *client.Client this package
// depends on. Narrowing it to an interface (rather than taking
// *client.Client directly) lets unit tests substitute a fake without a
// running daemon. DockerClientAdapter below is the only production
// implementation.
type dockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)

	// ExecAttach runs cmd inside containerID and returns the combined,
	// stdcopy-multiplexed stdout/stderr stream, which the Executor
	// demultiplexes with stdcopy.StdCopy.
	ExecAttach(ctx context.Context, containerID string, cmd []string) (stream io.ReadCloser, execID string, err error)
	ExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)

	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error

	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)

	Close() error
}

// DockerClientAdapter wraps the real *client.Client and satisfies
// dockerClient. It is exported so cmd/sandboxd can hand an adapter
// instance to the executor as well.
type DockerClientAdapter struct {
	cli *client.Client
}

func newDockerClientAdapter(host string) (*DockerClientAdapter, error) {
	return NewDockerClientAdapter(host)
}

// NewDockerClientAdapter dials the Docker Engine, optionally overriding
// the host (empty uses client.FromEnv's default).
func NewDockerClientAdapter(host string) (*DockerClientAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &DockerClientAdapter{cli: cli}, nil
}

func (a *DockerClientAdapter) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, containerName string) (container.CreateResponse, error) {
	return a.cli.ContainerCreate(ctx, config, hostConfig, networkingConfig, nil, containerName)
}

func (a *DockerClientAdapter) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return a.cli.ContainerStart(ctx, containerID, options)
}

func (a *DockerClientAdapter) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return a.cli.ContainerRemove(ctx, containerID, options)
}

func (a *DockerClientAdapter) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return a.cli.ContainerList(ctx, options)
}

func (a *DockerClientAdapter) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return a.cli.ContainerInspect(ctx, containerID)
}

func (a *DockerClientAdapter) ExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return a.cli.ContainerExecInspect(ctx, execID)
}

func (a *DockerClientAdapter) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error {
	return a.cli.CopyToContainer(ctx, containerID, dstPath, content, options)
}

func (a *DockerClientAdapter) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	return a.cli.NetworkCreate(ctx, name, options)
}

func (a *DockerClientAdapter) NetworkRemove(ctx context.Context, networkID string) error {
	return a.cli.NetworkRemove(ctx, networkID)
}

func (a *DockerClientAdapter) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	return a.cli.NetworkList(ctx, options)
}

func (a *DockerClientAdapter) Close() error { return a.cli.Close() }

// ExecAttach creates an exec instance running cmd in containerID, attaches
// to it, and returns the hijacked connection's reader as an io.ReadCloser.
// Callers run stdcopy.StdCopy over the result to demultiplex stdout/stderr.
func (a *DockerClientAdapter) ExecAttach(ctx context.Context, containerID string, cmd []string) (io.ReadCloser, string, error) {
	created, err := a.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, "", err
	}

	attached, err := a.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, "", err
	}

	return &hijackedReadCloser{reader: attached.Reader, closeFn: attached.Close}, created.ID, nil
}

// hijackedReadCloser adapts docker's HijackedResponse (a *bufio.Reader plus
// a Close over the underlying net.Conn) to io.ReadCloser.
type hijackedReadCloser struct {
	reader  io.Reader
	closeFn func()
}

func (h *hijackedReadCloser) Read(p []byte) (int, error) { return h.reader.Read(p) }
func (h *hijackedReadCloser) Close() error               { h.closeFn(); return nil }

// labelFilter builds a filters.Args matching containers/networks carrying
// key=value.
func labelFilter(key, value string) filters.Args {
	return filters.NewArgs(filters.Arg("label", key+"="+value))
}
