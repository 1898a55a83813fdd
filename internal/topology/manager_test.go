package topology

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgelab/sandboxd/internal/cfg"
)

// fakeDockerClient is an in-memory stand-in for the real Docker Engine,
// enough to exercise Create/Destroy/ReapAllLabelled without a daemon.
type fakeDockerClient struct {
	mu sync.Mutex

	nextID     int
	containers map[string]container.Summary
	networks   map[string]network.Summary

	failNetworkCreate bool
	failExec          bool
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		containers: map[string]container.Summary{},
		networks:   map[string]network.Summary{},
	}
}

func (f *fakeDockerClient) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.id("container")
	f.containers[id] = container.Summary{
		ID:     id,
		Names:  []string{"/" + name},
		Labels: cfg.Labels,
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var wantKey, wantVal string
	for _, kv := range options.Filters.Get("label") {
		parts := splitLabel(kv)
		wantKey, wantVal = parts[0], parts[1]
	}

	var out []container.Summary
	for _, c := range f.containers {
		if wantKey == "" || c.Labels[wantKey] == wantVal {
			out = append(out, c)
		}
	}
	return out, nil
}

func splitLabel(kv string) [2]string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return [2]string{kv[:i], kv[i+1:]}
		}
	}
	return [2]string{kv, ""}
}

func (f *fakeDockerClient) ExecAttach(ctx context.Context, containerID string, cmd []string) (io.ReadCloser, string, error) {
	if f.failExec {
		return nil, "", fmt.Errorf("exec failed")
	}
	return io.NopCloser(bytes.NewReader(nil)), f.id("exec"), nil
}

func (f *fakeDockerClient) ExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: 0}, nil
}

func (f *fakeDockerClient) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error {
	return nil
}

func (f *fakeDockerClient) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	if f.failNetworkCreate {
		return network.CreateResponse{}, fmt.Errorf("network create failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("network")
	f.networks[id] = network.Summary{ID: id, Name: name, Labels: options.Labels}
	return network.CreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) NetworkRemove(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, networkID)
	return nil
}

func (f *fakeDockerClient) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []network.Summary
	for _, n := range f.networks {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeDockerClient) Close() error { return nil }

func testConfig() cfg.Config {
	return cfg.Config{
		SandboxControllerImage:  "ansible-controller:test",
		SandboxManagedNodeImage: "managed-node:test",
		ManagedNodeCount:        2,
		SandboxMemoryBytes:      536870912,
		SandboxCPUFraction:      0.5,
	}
}

func TestCreate_HappyPathProvisionsControllerAndManagedNodes(t *testing.T) {
	t.Parallel()

	fake := newFakeDockerClient()
	m := newWithClient(fake, testConfig(), zaptest.NewLogger(t))

	controllerID, topo, err := m.Create(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, controllerID)
	assert.Contains(t, topo, "alice")

	fake.mu.Lock()
	numManaged := 0
	for _, c := range fake.containers {
		if c.Labels[LabelType] == TypeManagedNode {
			numManaged++
		}
	}
	fake.mu.Unlock()
	assert.Equal(t, 2, numManaged)
}

func TestCreate_NetworkFailureRollsBackAndReturnsProvisionError(t *testing.T) {
	t.Parallel()

	fake := newFakeDockerClient()
	fake.failNetworkCreate = true
	m := newWithClient(fake, testConfig(), zaptest.NewLogger(t))

	_, _, err := m.Create(context.Background(), "bob")
	require.Error(t, err)

	var provErr *ProvisionError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "create-network", provErr.Step)
}

func TestCreate_ExecFailureDuringManagedNodeSetupRollsBack(t *testing.T) {
	t.Parallel()

	fake := newFakeDockerClient()
	fake.failExec = true
	m := newWithClient(fake, testConfig(), zaptest.NewLogger(t))

	_, _, err := m.Create(context.Background(), "carol")
	require.Error(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.containers, "partial containers should have been rolled back")
	assert.Empty(t, fake.networks, "partial network should have been rolled back")
}

func TestDestroy_RemovesContainersAndNetwork(t *testing.T) {
	t.Parallel()

	fake := newFakeDockerClient()
	m := newWithClient(fake, testConfig(), zaptest.NewLogger(t))

	_, topo, err := m.Create(context.Background(), "dave")
	require.NoError(t, err)

	ok, err := m.Destroy(context.Background(), topo)
	require.NoError(t, err)
	assert.True(t, ok)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.containers)
}

func TestReapAllLabelled_RemovesEveryLabelledContainer(t *testing.T) {
	t.Parallel()

	fake := newFakeDockerClient()
	m := newWithClient(fake, testConfig(), zaptest.NewLogger(t))

	_, _, err := m.Create(context.Background(), "erin")
	require.NoError(t, err)
	_, _, err = m.Create(context.Background(), "frank")
	require.NoError(t, err)

	count, err := m.ReapAllLabelled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, count) // 2 topologies * (1 controller + 2 managed nodes)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.containers)
}
