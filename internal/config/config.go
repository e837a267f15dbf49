package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Fleet     FleetConfig
	Container ContainerConfig
	Worker    WorkerConfig
	Metrics   MetricsConfig
	Pools     []PoolConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type FleetConfig struct {
	RegistryDriver       string // postgres | memory
	PoolsFile            string
	ProvisioningDisabled bool
	LaunchConcurrency    int
	PollInterval         time.Duration
	ReviewInterval       time.Duration
	RetentionInterval    time.Duration
	EnableDocker         bool
}

// ContainerConfig applies to pools using the container provider.
type ContainerConfig struct {
	NetworkName string
	MemoryMB    int64
	CPU         float64
}

type WorkerConfig struct {
	Concurrency int
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "fleet"),
		},
		Fleet: FleetConfig{
			RegistryDriver:       getEnv("FLEET_REGISTRY", "postgres"),
			PoolsFile:            getEnv("FLEET_POOLS_FILE", ""),
			ProvisioningDisabled: getBoolEnv("FLEET_PROVISIONING_DISABLED", false),
			LaunchConcurrency:    getIntEnv("FLEET_LAUNCH_CONCURRENCY", 16),
			PollInterval:         getDurationEnv("FLEET_POLL_INTERVAL", time.Second),
			ReviewInterval:       getDurationEnv("FLEET_REVIEW_INTERVAL", 10*time.Second),
			RetentionInterval:    getDurationEnv("FLEET_RETENTION_INTERVAL", 30*time.Second),
			EnableDocker:         getBoolEnv("FLEET_ENABLE_DOCKER", false),
		},
		Container: ContainerConfig{
			NetworkName: getEnv("CONTAINER_NETWORK_NAME", ""),
			MemoryMB:    int64(getIntEnv("CONTAINER_MEM_MB", 512)),
			CPU:         getFloatEnv("CONTAINER_CPU", 0.5),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 5),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}

	if cfg.Fleet.PoolsFile != "" {
		pools, err := LoadPools(cfg.Fleet.PoolsFile)
		if err != nil {
			return nil, err
		}
		cfg.Pools = pools
	} else if pool, ok := poolFromEnv(); ok {
		cfg.Pools = []PoolConfig{pool}
	}

	if cfg.Fleet.RegistryDriver != "postgres" && cfg.Fleet.RegistryDriver != "memory" {
		return nil, fmt.Errorf("unknown FLEET_REGISTRY %q", cfg.Fleet.RegistryDriver)
	}
	return cfg, nil
}

func poolFromEnv() (PoolConfig, bool) {
	id := getEnv("POOL_ID", "")
	if id == "" {
		return PoolConfig{}, false
	}
	return PoolConfig{
		ID:                      id,
		Provider:                getEnv("POOL_PROVIDER", "lambda"),
		FunctionRef:             getEnv("POOL_FUNCTION_REF", ""),
		CredentialsRef:          getEnv("POOL_CREDENTIALS_REF", ""),
		Region:                  getEnv("POOL_REGION", ""),
		Labels:                  getListEnv("POOL_LABELS"),
		MaxConcurrentExecutions: getIntEnv("POOL_MAX_CONCURRENT_EXECUTIONS", 0),
		AgentTimeoutSeconds:     getIntEnv("POOL_AGENT_TIMEOUT_SECONDS", 0),
		CallbackBaseURL:         getEnv("POOL_CALLBACK_BASE_URL", ""),
		InvocationType:          getEnv("POOL_INVOCATION_TYPE", ""),
		KeepOnFailure:           getBoolEnv("POOL_KEEP_ON_FAILURE", false),
	}, true
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
