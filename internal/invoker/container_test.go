package invoker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fleet/internal/orchestrator"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImage = "alpine:latest"

func newDockerClient(t *testing.T) *client.Client {
	t.Helper()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("Failed to create Docker client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := dockerClient.Ping(ctx); err != nil {
		t.Fatalf("Docker daemon is not available: %v", err)
	}
	t.Cleanup(func() { dockerClient.Close() })
	return dockerClient
}

func TestContainerInvokeAndReap(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cli := newDockerClient(t)
	inv := NewContainer(cli, "it-pool", ContainerOptions{MemoryMB: 64, CPULimit: 0.1}, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	worker := "it.container-" + time.Now().Format("150405")
	payload, err := json.Marshal(orchestrator.InvocationPayload{
		URL:        "http://localhost:8080/",
		NodeSecret: "s3cret",
		NodeName:   worker,
	})
	require.NoError(t, err)

	res, err := inv.Invoke(ctx, testImage, payload)
	require.NoError(t, err)
	assert.Equal(t, 202, res.StatusCode)

	inspect, err := cli.ContainerInspect(ctx, ContainerName(worker))
	require.NoError(t, err)
	assert.Equal(t, "fleet", inspect.Config.Labels["managed_by"])
	assert.Contains(t, inspect.Config.Env, "FLEET_NODE_NAME="+worker)

	require.NoError(t, inv.Reap(ctx, worker))
	_, err = cli.ContainerInspect(ctx, ContainerName(worker))
	assert.True(t, errdefs.IsNotFound(err))

	assert.NoError(t, inv.Reap(ctx, worker), "reaping twice is fine")
}
