package api

import (
	"errors"
	"net/http"
	"time"

	"fleet/internal/orchestrator"
	"fleet/internal/service"

	"github.com/gin-gonic/gin"
)

type NodeHandler struct {
	svc *service.Service
}

func NewNodeHandler(svc *service.Service) *NodeHandler {
	return &NodeHandler{svc: svc}
}

// ListNodes GET /api/v1/nodes
func (h *NodeHandler) ListNodes(c *gin.Context) {
	nodes, err := h.svc.ListNodes(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	resp := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, toNodeResponse(n))
	}
	c.JSON(http.StatusOK, NodeListResponse{Nodes: resp})
}

// Connect POST /api/v1/nodes/:name/connect
// Worker 启动后携带一次性 secret 回连
func (h *NodeHandler) Connect(c *gin.Context) {
	name := c.Param("name")

	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	if err := h.svc.ConnectWorker(c.Request.Context(), name, req.Secret); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "connected"})
}

// TaskAccepted POST /api/v1/nodes/:name/tasks/accepted
func (h *NodeHandler) TaskAccepted(c *gin.Context) {
	name := c.Param("name")

	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	if err := h.svc.TaskAccepted(c.Request.Context(), name, req.Task); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "accepted"})
}

// TaskFinished POST /api/v1/nodes/:name/tasks/finished
func (h *NodeHandler) TaskFinished(c *gin.Context) {
	name := c.Param("name")

	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	outcome := orchestrator.TaskOutcome{
		Task:     req.Task,
		Success:  req.Success == nil || *req.Success,
		Duration: time.Duration(req.DurationMS) * time.Millisecond,
	}
	if req.Error != "" {
		outcome.Success = false
		outcome.Err = errors.New(req.Error)
	}

	if err := h.svc.TaskFinished(c.Request.Context(), name, outcome); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "finished"})
}
