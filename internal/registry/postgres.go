package registry

import (
	"context"
	"errors"
	"fmt"

	"fleet/internal/orchestrator"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"
)

var _ orchestrator.NodeRegistry = (*Postgres)(nil)

// Postgres keeps nodes in postgres and live computer state in a redis hash per node.
type Postgres struct {
	db    *pg.DB
	redis redis.UniversalClient
}

func NewPostgres(db *pg.DB, redis redis.UniversalClient) *Postgres {
	return &Postgres{
		db:    db,
		redis: redis,
	}
}

func EnsureSchema(ctx context.Context, db *pg.DB) error {
	return db.ModelContext(ctx, (*NodeModel)(nil)).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

func (r *Postgres) AddNode(ctx context.Context, node orchestrator.Node) error {
	if _, err := r.db.ModelContext(ctx, toModel(node)).Insert(); err != nil {
		return fmt.Errorf("insert node %s: %w", node.Name, err)
	}

	return r.redis.HSet(ctx, computerKey(node.Name), fieldOnline, 0, fieldAccepting, 0).Err()
}

func (r *Postgres) SaveNode(ctx context.Context, node orchestrator.Node) error {
	_, err := r.db.ModelContext(ctx, toModel(node)).
		OnConflict("(name) DO UPDATE").
		Set("launched = EXCLUDED.launched, label = EXCLUDED.label").
		Insert()
	return err
}

func (r *Postgres) RemoveNode(ctx context.Context, name string) error {
	res, err := r.db.ModelContext(ctx, (*NodeModel)(nil)).
		Where("name = ?", name).
		Delete()

	// 无论数据库结果如何都清理 redis 状态
	_ = r.redis.Del(ctx, computerKey(name)).Err()

	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return orchestrator.ErrNodeNotFound
	}
	return nil
}

func (r *Postgres) ListNodes(ctx context.Context) ([]orchestrator.Node, error) {
	var models []NodeModel
	err := r.db.ModelContext(ctx, &models).
		Order("created_at ASC").
		Select()
	if err != nil {
		return nil, err
	}

	nodes := make([]orchestrator.Node, 0, len(models))
	for i := range models {
		nodes = append(nodes, models[i].toNode())
	}
	return nodes, nil
}

func (r *Postgres) GetNode(ctx context.Context, name string) (orchestrator.Node, error) {
	model := &NodeModel{Name: name}
	if err := r.db.ModelContext(ctx, model).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return orchestrator.Node{}, orchestrator.ErrNodeNotFound
		}
		return orchestrator.Node{}, err
	}
	return model.toNode(), nil
}

func (r *Postgres) ComputerFor(ctx context.Context, name string) (orchestrator.ComputerState, error) {
	fields, err := r.redis.HGetAll(ctx, computerKey(name)).Result()
	if err != nil {
		return orchestrator.ComputerState{}, err
	}
	if len(fields) == 0 {
		if _, err := r.GetNode(ctx, name); err != nil {
			return orchestrator.ComputerState{}, err
		}
		return orchestrator.ComputerState{}, nil
	}

	return orchestrator.ComputerState{
		Online:         fields[fieldOnline] == "1",
		AcceptingTasks: fields[fieldAccepting] == "1",
	}, nil
}

func (r *Postgres) SetAcceptingTasks(ctx context.Context, name string, accepting bool) error {
	return r.setComputer(ctx, name, fieldAccepting, accepting)
}

// MarkOnline is called when the worker's agent connects back.
func (r *Postgres) MarkOnline(ctx context.Context, name string) error {
	if err := r.setComputer(ctx, name, fieldOnline, true); err != nil {
		return err
	}
	return r.setComputer(ctx, name, fieldAccepting, true)
}

func (r *Postgres) MarkOffline(ctx context.Context, name string) error {
	return r.setComputer(ctx, name, fieldOnline, false)
}

func (r *Postgres) setComputer(ctx context.Context, name, field string, value bool) error {
	exists, err := r.db.ModelContext(ctx, (*NodeModel)(nil)).Where("name = ?", name).Exists()
	if err != nil {
		return err
	}
	if !exists {
		return orchestrator.ErrNodeNotFound
	}

	v := 0
	if value {
		v = 1
	}
	return r.redis.HSet(ctx, computerKey(name), field, v).Err()
}
