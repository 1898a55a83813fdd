// Package executor runs a validated playbook inside a provisioned
// topology's controller container and captures its result. The playbook
// text is streamed into the container via CopyToContainer rather than
// passed through a shell command line, which would mangle playbooks
// containing quote characters.
package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/forgelab/sandboxd/internal/model"
)

const (
	playbookPath  = "/ansible/playbook.yml"
	inventoryPath = "/ansible/inventory.ini"
)

// dockerClient is the narrow subset of the container runtime the Executor
// needs, mirroring the topology package's collaborator-interface style so
// it can be faked in tests without a daemon.
type dockerClient interface {
	ExecAttach(ctx context.Context, containerID string, cmd []string) (io.ReadCloser, string, error)
	ExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
}

// Executor runs playbooks against an already-provisioned controller.
type Executor struct {
	docker dockerClient
}

// New builds an Executor over the given dockerClient.
func New(docker dockerClient) *Executor {
	return &Executor{docker: docker}
}

// Execute writes the playbook into the controller, runs ansible-playbook
// against the inventory written by the topology manager, and returns the
// captured result. The run is killed if it exceeds timeoutSeconds.
func (e *Executor) Execute(ctx context.Context, controllerID, playbookText string, timeoutSeconds int) model.ExecutionResult {
	if err := e.writePlaybook(ctx, controllerID, playbookText); err != nil {
		msg := fmt.Sprintf("Failed to write playbook: %v", err)
		// The runtime's not-found errors carry a NotFound() marker method.
		var notFound interface{ NotFound() }
		if errors.As(err, &notFound) {
			msg = fmt.Sprintf("Container not found: %v", err)
		}
		return model.ExecutionResult{
			Success:  false,
			ExitCode: model.NoExecutionExitCode,
			Error:    msg,
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	cmd := []string{"ansible-playbook", "-i", inventoryPath, playbookPath, "-v"}

	stream, execID, err := e.docker.ExecAttach(runCtx, controllerID, cmd)
	if err != nil {
		return model.ExecutionResult{
			Success:  false,
			ExitCode: model.NoExecutionExitCode,
			WallTime: time.Since(start),
			Error:    fmt.Sprintf("Container not found: %v", err),
		}
	}
	defer stream.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, stream)
		copyDone <- copyErr
	}()

	var copyErr error
	select {
	case copyErr = <-copyDone:
	case <-runCtx.Done():
		e.killExec(context.WithoutCancel(ctx), controllerID, execID)
		// Closing the hijacked stream unblocks the copy goroutine even if
		// the kill itself failed.
		stream.Close()
		<-copyDone
		wallTime := time.Since(start)
		return model.ExecutionResult{
			Success:  false,
			ExitCode: model.NoExecutionExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			WallTime: wallTime,
			Error:    "execution exceeded time limit and was killed",
		}
	}

	wallTime := time.Since(start)
	if copyErr != nil && copyErr != io.EOF {
		return model.ExecutionResult{
			Success:  false,
			ExitCode: model.NoExecutionExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			WallTime: wallTime,
			Error:    fmt.Sprintf("reading execution output: %v", copyErr),
		}
	}

	inspect, err := e.docker.ExecInspect(ctx, execID)
	if err != nil {
		return model.ExecutionResult{
			Success:  false,
			ExitCode: model.NoExecutionExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			WallTime: wallTime,
			Error:    fmt.Sprintf("inspecting exec result: %v", err),
		}
	}

	return model.ExecutionResult{
		Success:  inspect.ExitCode == 0,
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		WallTime: wallTime,
	}
}

// killExec terminates a timed-out exec'd process. The Docker Engine has
// no exec-kill API, so the pid recorded on the exec instance is signalled
// through a second short-lived exec; if the pid can't be recovered the
// caller falls back to closing the attach stream and reporting the
// synthetic exit code.
func (e *Executor) killExec(ctx context.Context, controllerID, execID string) {
	inspect, err := e.docker.ExecInspect(ctx, execID)
	if err != nil || inspect.Pid <= 0 {
		return
	}

	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, _, err := e.docker.ExecAttach(killCtx, controllerID, []string{"kill", "-TERM", strconv.Itoa(inspect.Pid)})
	if err != nil {
		return
	}
	stream.Close()
}

// writePlaybook streams playbookText into the controller as a single-file
// tar archive, so the content never passes through a shell command line.
func (e *Executor) writePlaybook(ctx context.Context, containerID, playbookText string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name: strings.TrimPrefix(playbookPath, "/"),
		Mode: 0o644,
		Size: int64(len(playbookText)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write([]byte(playbookText)); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return e.docker.CopyToContainer(ctx, containerID, "/", &buf, container.CopyToContainerOptions{})
}
