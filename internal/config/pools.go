package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type FunctionConfig struct {
	Ref    string   `yaml:"ref"`
	Labels []string `yaml:"labels"`
}

type PoolConfig struct {
	ID                      string           `yaml:"id"`
	Provider                string           `yaml:"provider"`
	FunctionRef             string           `yaml:"function_ref"`
	Functions               []FunctionConfig `yaml:"functions"`
	CredentialsRef          string           `yaml:"credentials_ref"`
	Region                  string           `yaml:"region"`
	Labels                  []string         `yaml:"labels"`
	MaxConcurrentExecutions int              `yaml:"max_concurrent_executions"`
	AgentTimeoutSeconds     int              `yaml:"agent_timeout_seconds"`
	CallbackBaseURL         string           `yaml:"callback_base_url"`
	InvocationType          string           `yaml:"invocation_type"`
	KeepOnFailure           bool             `yaml:"keep_on_failure"`
	Priority                int              `yaml:"priority"`
}

type poolsFile struct {
	Pools []PoolConfig `yaml:"pools"`
}

// LoadPools reads the pool list. Field validation is left to the controllers.
func LoadPools(path string) ([]PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pools file: %w", err)
	}
	return ParsePools(data)
}

func ParsePools(data []byte) ([]PoolConfig, error) {
	var f poolsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse pools file: %w", err)
	}

	seen := make(map[string]bool, len(f.Pools))
	for _, p := range f.Pools {
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate pool id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return f.Pools, nil
}
