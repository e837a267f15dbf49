package server

import (
	"context"
	"fmt"
	"log/slog"

	"fleet/internal/config"
	"fleet/internal/registry"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施
type Dependency struct {
	Docker      *client.Client // nil unless FLEET_ENABLE_DOCKER is set
	Redis       *redis.Client
	PG          *pg.DB // nil with the memory registry
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisClientOpt
	Logger      *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Dependency, err error) {
	d := &Dependency{Logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if cfg.Fleet.EnableDocker {
		d.Docker, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		if _, err = d.Docker.Ping(ctx); err != nil {
			return nil, fmt.Errorf("docker ping: %w", err)
		}
	}

	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err = d.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	if cfg.Fleet.RegistryDriver == "postgres" {
		d.PG = pg.Connect(&pg.Options{
			Addr:     cfg.Postgres.Addr,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
		})
		if _, err = d.PG.ExecContext(ctx, "SELECT 1"); err != nil {
			return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
		}

		// 迁移数据库 schema
		if err = registry.EnsureSchema(ctx, d.PG); err != nil {
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	d.AsynqRedis = asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	d.AsynqClient = asynq.NewClient(d.AsynqRedis)

	return d, nil
}

func (d *Dependency) Close() {
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
