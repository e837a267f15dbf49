package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"fleet/internal/orchestrator"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

var (
	_ orchestrator.RemoteInvoker = (*Container)(nil)
	_ orchestrator.Reaper        = (*Container)(nil)
)

const managedByLabel = "fleet"

type ContainerOptions struct {
	NetworkName string
	MemoryMB    int64
	CPULimit    float64
}

// Container runs each worker as a docker container whose image is the function ref.
type Container struct {
	client *client.Client
	opts   ContainerOptions
	poolID string
	logger *slog.Logger
}

func NewContainer(cli *client.Client, poolID string, opts ContainerOptions, logger *slog.Logger) *Container {
	return &Container{
		client: cli,
		opts:   opts,
		poolID: poolID,
		logger: logger.With("component", "container-invoker", "pool", poolID),
	}
}

func ContainerName(workerName string) string {
	return "fleet-" + workerName
}

func (c *Container) Invoke(ctx context.Context, image string, payload []byte) (*orchestrator.InvokeResult, error) {
	var p orchestrator.InvocationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if err := c.ensureImage(ctx, image); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image: image,
		Env: []string{
			"FLEET_URL=" + p.URL,
			"FLEET_NODE_SECRET=" + p.NodeSecret,
			"FLEET_NODE_NAME=" + p.NodeName,
			"FLEET_PAYLOAD=" + string(payload),
		},
		Labels: map[string]string{
			"managed_by": managedByLabel,
			"pool_id":    c.poolID,
			"worker":     p.NodeName,
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   c.opts.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(c.opts.CPULimit * 1e9),
		},
		AutoRemove: false,
	}

	var netConfig *network.NetworkingConfig
	if c.opts.NetworkName != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				c.opts.NetworkName: {},
			},
		}
	}

	resp, err := c.client.ContainerCreate(ctx, cfg, hostConfig, netConfig, nil, ContainerName(p.NodeName))
	if err != nil {
		c.logger.Error("Failed to create container", "worker", p.NodeName, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.logger.Error("Failed to start container", "worker", p.NodeName, "error", err)
		// 启动失败，清理容器
		_ = c.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	c.logger.Info("Worker container started", "worker", p.NodeName, "container_id", resp.ID)
	return &orchestrator.InvokeResult{StatusCode: http.StatusAccepted, Payload: []byte(resp.ID)}, nil
}

func (c *Container) ensureImage(ctx context.Context, ref string) error {
	_, err := c.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	c.logger.Info("Image not found, pulling...", "image", ref)
	reader, err := c.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	// 异步读取 pull 输出
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		c.logger.Info("Image pull completed", "image", ref)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

// Reap force-removes the worker's container. A missing container is not an error.
func (c *Container) Reap(ctx context.Context, workerName string) error {
	err := c.client.ContainerRemove(ctx, ContainerName(workerName), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// ListFunctions returns the local images carrying the fleet worker label.
func (c *Container) ListFunctions(ctx context.Context) ([]string, error) {
	images, err := c.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", "fleet.worker=true")),
	})
	if err != nil {
		return nil, err
	}

	var refs []string
	for _, img := range images {
		refs = append(refs, img.RepoTags...)
	}
	return refs, nil
}
