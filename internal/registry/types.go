package registry

import (
	"time"

	"fleet/internal/orchestrator"
)

type NodeModel struct {
	tableName struct{} `pg:"fleet_nodes"`

	Name      string    `json:"name" pg:"name,pk"`
	PoolID    string    `json:"pool_id" pg:"pool_id,notnull"`
	Type      string    `json:"type" pg:"type,notnull"`
	Label     string    `json:"label" pg:"label"`
	Launched  bool      `json:"launched" pg:"launched,notnull,use_zero"`
	CreatedAt time.Time `json:"created_at" pg:"created_at,notnull"`
}

func toModel(n orchestrator.Node) *NodeModel {
	return &NodeModel{
		Name:      n.Name,
		PoolID:    n.PoolID,
		Type:      n.Type,
		Label:     n.Label,
		Launched:  n.Launched,
		CreatedAt: n.CreatedAt,
	}
}

func (m *NodeModel) toNode() orchestrator.Node {
	return orchestrator.Node{
		Name:      m.Name,
		PoolID:    m.PoolID,
		Type:      m.Type,
		Label:     m.Label,
		Launched:  m.Launched,
		CreatedAt: m.CreatedAt,
	}
}

const (
	fieldOnline    = "online"
	fieldAccepting = "accepting"
)

func computerKey(name string) string {
	return "node:" + name + ":computer"
}
