// Package topology materializes an isolated multi-container environment
// (one controller, N managed nodes, a private bridge network) per user
// session, and tears it back down. Labels, not any in-memory map, are
// the authoritative index, so the sweeper can always rediscover
// resources after a process restart.
package topology

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgelab/sandboxd/internal/cfg"
)

const (
	netPrefix          = "ansnet"
	sshUser            = "ansible"
	controllerWorkdir  = "/ansible"
	sshReadyPollLimit  = 30
	sshReadyPollPeriod = 500 * time.Millisecond
)

// sshPort is the only port a managed node exposes; the controller reaches
// it over the private bridge network, never through a host binding.
var sshPort = nat.Port("22/tcp")

// Manager is the Topology Manager.
type Manager struct {
	docker dockerClient
	cfg    cfg.Config
	log    *zap.Logger
}

// New builds a Manager backed by a real Docker Engine connection.
func New(c cfg.Config, log *zap.Logger) (*Manager, error) {
	adapter, err := newDockerClientAdapter(c.DockerHost)
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime: %w", err)
	}

	return &Manager{docker: adapter, cfg: c, log: log}, nil
}

// newWithClient is used by tests to inject a fake dockerClient.
func newWithClient(docker dockerClient, c cfg.Config, log *zap.Logger) *Manager {
	return &Manager{docker: docker, cfg: c, log: log}
}

func topologyName(userID, tag string) string {
	return fmt.Sprintf("%s_%s_%s", AppLabelValue, userID, tag)
}

func networkName(userID, tag string) string {
	return fmt.Sprintf("%s_%s_%s", netPrefix, userID, tag)
}

// Create provisions a full topology: network, controller, N managed
// nodes, SSH+sudo provisioning, and an inventory file. On failure it
// tears down whatever partial state exists and returns a *ProvisionError.
func (m *Manager) Create(ctx context.Context, userID string) (controllerID, topology string, err error) {
	tag := uuid.NewString()[:8]
	topology = topologyName(userID, tag)
	netName := networkName(userID, tag)

	rollback := func(step string, cause error) (string, string, error) {
		// Best-effort teardown of whatever was created before the
		// failure; we deliberately ignore the destroy error here and
		// surface the original cause.
		_, _ = m.Destroy(context.WithoutCancel(ctx), topology)
		return "", "", &ProvisionError{UserID: userID, Step: step, Err: cause}
	}

	netID, err := m.docker.NetworkCreate(ctx, netName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			LabelApp:    AppLabelValue,
			LabelUserID: userID,
		},
	})
	if err != nil {
		return rollback("create-network", err)
	}

	password := uuid.NewString()

	controllerID, err = m.createController(ctx, topology, netID.ID, userID)
	if err != nil {
		return rollback("create-controller", err)
	}

	nodeHosts := make([]string, 0, m.cfg.ManagedNodeCount)
	for i := 0; i < m.cfg.ManagedNodeCount; i++ {
		host := fmt.Sprintf("%s_node%d", topology, i+1)
		if err := m.createManagedNode(ctx, topology, netID.ID, userID, host, password); err != nil {
			return rollback("create-managed-node", err)
		}
		nodeHosts = append(nodeHosts, host)
	}

	for _, host := range nodeHosts {
		if err := m.waitForSSH(ctx, controllerID, host); err != nil {
			return rollback("wait-for-ssh", err)
		}
	}

	if err := m.writeInventory(ctx, controllerID, nodeHosts, password); err != nil {
		return rollback("write-inventory", err)
	}

	return controllerID, topology, nil
}

func (m *Manager) createController(ctx context.Context, topology, networkID, userID string) (string, error) {
	name := topology + "_control"

	resp, err := m.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      m.cfg.SandboxControllerImage,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: controllerWorkdir,
			Labels: map[string]string{
				LabelApp:    AppLabelValue,
				LabelUserID: userID,
				LabelType:   TypeControlNode,
				LabelParent: topology,
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(networkID),
			Resources: container.Resources{
				Memory:   m.cfg.SandboxMemoryBytes,
				NanoCPUs: int64(m.cfg.SandboxCPUFraction * 1e9),
			},
		},
		nil,
		name,
	)
	if err != nil {
		return "", fmt.Errorf("creating controller container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting controller container: %w", err)
	}

	return resp.ID, nil
}

func (m *Manager) createManagedNode(ctx context.Context, topology, networkID, userID, hostname, password string) error {
	resp, err := m.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        m.cfg.SandboxManagedNodeImage,
			Hostname:     hostname,
			Cmd:          []string{"sleep", "infinity"},
			ExposedPorts: nat.PortSet{sshPort: struct{}{}},
			Labels: map[string]string{
				LabelApp:    AppLabelValue,
				LabelUserID: userID,
				LabelType:   TypeManagedNode,
				LabelParent: topology,
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(networkID),
			Resources: container.Resources{
				Memory:   m.cfg.SandboxMemoryBytes / 4,
				NanoCPUs: int64(m.cfg.SandboxCPUFraction * 1e9 / 2),
			},
		},
		nil,
		hostname,
	)
	if err != nil {
		return fmt.Errorf("creating managed node %s: %w", hostname, err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting managed node %s: %w", hostname, err)
	}

	// Create the passworded sudo user the controller will reach over SSH
	// and start sshd. No packages are installed here: the managed-node
	// image must already provide sshd, its host keys, and python3.
	setup := fmt.Sprintf(
		`set -e
useradd -m -s /bin/bash %[1]s || true
echo "%[1]s:%[2]s" | chpasswd
usermod -aG sudo %[1]s 2>/dev/null || usermod -aG wheel %[1]s 2>/dev/null || true
echo "%[1]s ALL=(ALL) NOPASSWD:ALL" > /etc/sudoers.d/%[1]s
mkdir -p /run/sshd
/usr/sbin/sshd
`, sshUser, password)

	if _, _, err := m.exec(ctx, resp.ID, []string{"sh", "-c", setup}); err != nil {
		return fmt.Errorf("provisioning SSH on managed node %s: %w", hostname, err)
	}

	return nil
}

// waitForSSH polls the managed node's SSH port from the controller,
// bounded so Create never hangs indefinitely.
func (m *Manager) waitForSSH(ctx context.Context, controllerID, host string) error {
	probe := []string{"sh", "-c", fmt.Sprintf("nc -z %s 22", host)}

	for i := 0; i < sshReadyPollLimit; i++ {
		stdout, _, exitCode, err := m.runAndCapture(ctx, controllerID, probe)
		if err == nil && exitCode == 0 {
			return nil
		}
		_ = stdout

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sshReadyPollPeriod):
		}
	}

	return fmt.Errorf("ssh on %s did not become ready", host)
}

// writeInventory streams /ansible/inventory.ini into the controller via
// CopyToContainer (a tar stream), never through shell interpolation.
func (m *Manager) writeInventory(ctx context.Context, controllerID string, hosts []string, password string) error {
	var sb strings.Builder
	sb.WriteString("[managed]\n")
	for _, h := range hosts {
		fmt.Fprintf(&sb, "%s ansible_host=%s ansible_user=%s ansible_ssh_pass=%s ansible_ssh_common_args='-o StrictHostKeyChecking=no'\n",
			h, h, sshUser, password)
	}

	return m.copyFile(ctx, controllerID, controllerWorkdir+"/inventory.ini", sb.String())
}

// copyFile writes content to path inside containerID via a single-file
// tar stream, the non-interpolating alternative to `docker exec sh -c
// "echo ... > file"`.
func (m *Manager) copyFile(ctx context.Context, containerID, path, content string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name: strings.TrimPrefix(path, "/"),
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return m.docker.CopyToContainer(ctx, containerID, "/", &buf, container.CopyToContainerOptions{})
}

// exec runs cmd inside containerID and waits for completion, discarding
// output but returning an error if the exec itself could not be created
// or attached.
func (m *Manager) exec(ctx context.Context, containerID string, cmd []string) (stdout, stderr string, err error) {
	stdout, stderr, _, err = m.runAndCapture(ctx, containerID, cmd)
	return stdout, stderr, err
}

// runAndCapture runs cmd inside containerID, demultiplexes stdout/stderr
// via stdcopy, and waits for the exec to finish, returning its exit code.
func (m *Manager) runAndCapture(ctx context.Context, containerID string, cmd []string) (stdout, stderr string, exitCode int, err error) {
	stream, execID, err := m.docker.ExecAttach(ctx, containerID, cmd)
	if err != nil {
		return "", "", NoExitCode, err
	}
	defer stream.Close()

	var outBuf, errBuf bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&outBuf, &errBuf, stream)
	if copyErr != nil && copyErr != io.EOF {
		return outBuf.String(), errBuf.String(), NoExitCode, copyErr
	}

	inspect, err := m.docker.ExecInspect(ctx, execID)
	if err != nil {
		return outBuf.String(), errBuf.String(), NoExitCode, err
	}

	return outBuf.String(), errBuf.String(), inspect.ExitCode, nil
}

// NoExitCode is returned when an exec's exit code could not be determined.
const NoExitCode = -1

// Destroy stops and removes every container belonging to topology, then
// removes its network. Not-found is idempotent success; partial failure
// returns false but keeps trying the remaining resources.
func (m *Manager) Destroy(ctx context.Context, topology string) (bool, error) {
	ok := true

	containers, err := m.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilter(LabelParent, topology),
	})
	if err != nil {
		ok = false
	}

	for _, c := range containers {
		if err := m.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			m.log.Warn("failed to remove container during destroy", zap.String("container_id", c.ID), zap.Error(err))
			ok = false
		}
	}

	suffix := strings.TrimPrefix(topology, AppLabelValue+"_")

	nets, err := m.docker.NetworkList(ctx, network.ListOptions{
		Filters: labelFilter(LabelApp, AppLabelValue),
	})
	if err != nil {
		ok = false
	}
	for _, n := range nets {
		if n.Name != netPrefix+"_"+suffix {
			continue
		}
		if err := m.docker.NetworkRemove(ctx, n.ID); err != nil {
			m.log.Warn("failed to remove network during destroy", zap.String("network_id", n.ID), zap.Error(err))
			ok = false
		}
	}

	return ok, nil
}

// ReapAllLabelled is the administrative cleanup path: every container
// carrying the app label is stopped and removed, regardless of which
// topology it belongs to.
func (m *Manager) ReapAllLabelled(ctx context.Context) (int, error) {
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilter(LabelApp, AppLabelValue),
	})
	if err != nil {
		return 0, fmt.Errorf("listing labelled containers: %w", err)
	}

	count := 0
	for _, c := range containers {
		if err := m.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			m.log.Warn("failed to remove container during reap", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		count++
	}

	return count, nil
}

// Close releases the underlying container runtime connection.
func (m *Manager) Close() error { return m.docker.Close() }
