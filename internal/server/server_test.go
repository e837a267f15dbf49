package server

import (
	"testing"

	"fleet/internal/config"
	"fleet/internal/orchestrator"

	"github.com/stretchr/testify/assert"
)

func TestToPoolConfig(t *testing.T) {
	cfg := toPoolConfig(config.PoolConfig{
		ID:       "builders",
		Provider: "container",
		Functions: []config.FunctionConfig{
			{Ref: "agent-java:latest", Labels: []string{"java"}},
		},
		Labels:        []string{"docker"},
		KeepOnFailure: true,
		Priority:      3,
	})

	assert.Equal(t, "builders", cfg.PoolID)
	assert.Equal(t, orchestrator.ProviderContainer, cfg.Provider)
	assert.Equal(t, []orchestrator.FunctionRoute{{Ref: "agent-java:latest", Labels: []string{"java"}}}, cfg.Functions)
	assert.Equal(t, []string{"docker"}, cfg.LabelSelector)
	assert.True(t, cfg.KeepOnFailure)
	assert.Equal(t, 3, cfg.Priority)
	assert.Zero(t, cfg.AgentTimeoutSeconds, "defaults are applied by the controller")
}
