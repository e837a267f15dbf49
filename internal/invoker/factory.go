package invoker

import (
	"context"
	"fmt"
	"log/slog"

	"fleet/internal/orchestrator"

	"github.com/docker/docker/client"
)

// NewFactory returns the InvokerFactory used by every fleet controller.
// docker may be nil when no pool uses the container provider.
func NewFactory(docker *client.Client, opts ContainerOptions, logger *slog.Logger) orchestrator.InvokerFactory {
	return func(ctx context.Context, cfg orchestrator.PoolConfig) (orchestrator.RemoteInvoker, error) {
		switch cfg.Provider {
		case orchestrator.ProviderLambda, "":
			return NewLambda(ctx, cfg, logger)
		case orchestrator.ProviderContainer:
			if docker == nil {
				return nil, fmt.Errorf("pool %s: docker client not configured", cfg.PoolID)
			}
			return NewContainer(docker, cfg.PoolID, opts, logger), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
		}
	}
}
