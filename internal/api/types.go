package api

import (
	"time"

	"fleet/internal/orchestrator"
	"fleet/internal/service"
)

type DemandRequest struct {
	Label               string `json:"label"`
	QueueLength         int    `json:"queue_length" binding:"min=0"`
	AvailableExecutors  int    `json:"available_executors" binding:"min=0"`
	ConnectingExecutors int    `json:"connecting_executors" binding:"min=0"`
	PlannedCapacity     int    `json:"planned_capacity" binding:"min=0"`
	// Wait blocks the request until every planned launch settles.
	Wait bool `json:"wait"`
}

type DemandResponse struct {
	Label    string   `json:"label"`
	Decision string   `json:"decision,omitempty"`
	Excess   int      `json:"excess"`
	Workers  []string `json:"workers"`
}

type ConnectRequest struct {
	Secret string `json:"node_secret" binding:"required"`
}

type TaskRequest struct {
	Task       string `json:"task" binding:"required"`
	Success    *bool  `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

type QuietDownRequest struct {
	Enabled bool `json:"enabled"`
}

type UpdatePoolRequest struct {
	Labels              *[]string `json:"labels"`
	AgentTimeoutSeconds *int      `json:"agent_timeout_seconds"`
	CallbackBaseURL     *string   `json:"callback_base_url"`
}

type NodeResponse struct {
	Name           string `json:"name"`
	PoolID         string `json:"pool_id"`
	Type           string `json:"type"`
	Label          string `json:"label"`
	Launched       bool   `json:"launched"`
	Online         bool   `json:"online"`
	AcceptingTasks bool   `json:"accepting_tasks"`
	State          string `json:"state,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type NodeListResponse struct {
	Nodes []NodeResponse `json:"nodes"`
}

type FunctionRouteResponse struct {
	Ref    string   `json:"ref"`
	Labels []string `json:"labels"`
}

type PoolResponse struct {
	ID                      string                  `json:"id"`
	Provider                string                  `json:"provider"`
	FunctionRef             string                  `json:"function_ref,omitempty"`
	Functions               []FunctionRouteResponse `json:"functions,omitempty"`
	Region                  string                  `json:"region"`
	Labels                  []string                `json:"labels"`
	MaxConcurrentExecutions int                     `json:"max_concurrent_executions"`
	AgentTimeoutSeconds     int                     `json:"agent_timeout_seconds"`
	CallbackBaseURL         string                  `json:"callback_base_url,omitempty"`
	InvocationType          string                  `json:"invocation_type,omitempty"`
	KeepOnFailure           bool                    `json:"keep_on_failure"`
	Degraded                string                  `json:"degraded,omitempty"`
	StillLaunching          int                     `json:"still_launching"`
	Skipped                 int64                   `json:"skipped"`
	Workers                 int                     `json:"workers"`
}

type PoolListResponse struct {
	Pools []PoolResponse `json:"pools"`
}

type FunctionListResponse struct {
	Functions []string `json:"functions"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	Worker    string `json:"worker,omitempty"`
	Pool      string `json:"pool,omitempty"`
	Message   string `json:"message,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func toNodeResponse(v service.NodeView) NodeResponse {
	return NodeResponse{
		Name:           v.Name,
		PoolID:         v.PoolID,
		Type:           v.Type,
		Label:          v.Label,
		Launched:       v.Launched,
		Online:         v.Online,
		AcceptingTasks: v.AcceptingTasks,
		State:          v.State,
		CreatedAt:      formatTime(v.CreatedAt),
	}
}

func toPoolResponse(v service.PoolView) PoolResponse {
	cfg := v.Config
	resp := PoolResponse{
		ID:                      cfg.PoolID,
		Provider:                string(cfg.Provider),
		FunctionRef:             cfg.FunctionRef,
		Region:                  cfg.Region,
		Labels:                  cfg.LabelSelector,
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
		AgentTimeoutSeconds:     cfg.AgentTimeoutSeconds,
		CallbackBaseURL:         cfg.CallbackBaseURL,
		InvocationType:          cfg.InvocationType,
		KeepOnFailure:           cfg.KeepOnFailure,
		Degraded:                v.Degraded,
		StillLaunching:          v.StillLaunching,
		Skipped:                 v.Skipped,
		Workers:                 v.Workers,
	}
	for _, fn := range cfg.Functions {
		resp.Functions = append(resp.Functions, FunctionRouteResponse{Ref: fn.Ref, Labels: fn.Labels})
	}
	return resp
}

func toDemandResponse(res orchestrator.TickResult, settled bool) DemandResponse {
	resp := DemandResponse{
		Label:   res.Label,
		Excess:  res.Excess,
		Workers: make([]string, 0, len(res.Planned)),
	}
	if settled {
		resp.Decision = res.Decision.String()
	}
	for _, pl := range res.Planned {
		resp.Workers = append(resp.Workers, pl.WorkerName)
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
