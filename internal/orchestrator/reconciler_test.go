package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type failingRemover struct {
	*fakeRegistry
	fail map[string]bool
}

func (f *failingRemover) RemoveNode(ctx context.Context, name string) error {
	if f.fail[name] {
		return errors.New("still attached")
	}
	return f.fakeRegistry.RemoveNode(ctx, name)
}

func TestBootstrapReconcile(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	states := []bool{true, false, true, false, true}
	for i, launched := range states {
		require.NoError(t, h.registry.AddNode(ctx, Node{
			Name:     fmt.Sprintf("linux.lambda-%d", i),
			PoolID:   "p",
			Type:     NodeType,
			Launched: launched,
		}))
	}
	require.NoError(t, h.registry.AddNode(ctx, Node{Name: "static-agent", Type: "permanent"}))

	r := NewBootstrapReconciler(h.registry, h.logger, h.invoker)
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(states), n)

	nodes, err := h.registry.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "static-agent", nodes[0].Name)
	assert.Len(t, h.invoker.reaped, len(states))
}

func TestBootstrapReconcileAggregatesErrors(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	reg := &failingRemover{fakeRegistry: h.registry, fail: map[string]bool{"a": true, "c": true}}
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, reg.AddNode(ctx, Node{Name: name, Type: NodeType}))
	}

	n, err := NewBootstrapReconciler(reg, h.logger).Reconcile(ctx)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeregistration)
	assert.Len(t, multierr.Errors(err), 2)
}
