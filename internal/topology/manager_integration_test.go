package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"go.uber.org/zap/zaptest"

	"github.com/forgelab/sandboxd/internal/cfg"
)

// TestManager_ReapAllLabelled_RealDaemon exercises ReapAllLabelled against
// a real Docker Engine rather than the fake client the rest of this
// package's tests use, since label-based discovery genuinely depends on
// the container runtime rather than on the shape of the API calls made
// to it.
//
// It plants a stray container carrying this engine's app label directly
// through testcontainers (standing in for a managed node orphaned by a
// crash) and confirms the admin reap path removes it by label alone,
// with no record of the container ever having to exist in this process.
func TestManager_ReapAllLabelled_RealDaemon(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Docker-daemon integration test in -short mode")
	}
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	strayLabels := map[string]string{
		LabelApp:  AppLabelValue,
		LabelType: TypeManagedNode,
	}

	stray, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:  "alpine:3.20",
			Cmd:    []string{"sleep", "infinity"},
			Labels: strayLabels,
		},
		Started: true,
	})
	require.NoError(t, err, "planting stray labelled container")
	defer func() {
		_ = stray.Terminate(ctx)
	}()

	strayID := stray.GetContainerID()

	docker, err := NewDockerClientAdapter("")
	require.NoError(t, err, "connecting to local Docker Engine")
	defer docker.Close() //nolint:errcheck

	manager, err := New(cfg.Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer manager.Close() //nolint:errcheck

	removed, err := manager.ReapAllLabelled(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, 1, "reap should have removed at least the stray container")

	_, err = docker.ContainerInspect(ctx, strayID)
	require.Error(t, err, "stray container should no longer exist after reap")
}
