package api

import (
	"net/http"

	"fleet/internal/orchestrator"
	"fleet/internal/service"

	"github.com/gin-gonic/gin"
)

type PoolHandler struct {
	svc *service.Service
}

func NewPoolHandler(svc *service.Service) *PoolHandler {
	return &PoolHandler{svc: svc}
}

// ListPools GET /api/v1/pools
func (h *PoolHandler) ListPools(c *gin.Context) {
	pools := h.svc.ListPools()
	resp := make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		resp = append(resp, toPoolResponse(p))
	}
	c.JSON(http.StatusOK, PoolListResponse{Pools: resp})
}

// UpdatePool PATCH /api/v1/pools/:id
func (h *PoolHandler) UpdatePool(c *gin.Context) {
	var req UpdatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	view, err := h.svc.UpdatePool(c.Param("id"), orchestrator.PoolUpdate{
		LabelSelector:       req.Labels,
		AgentTimeoutSeconds: req.AgentTimeoutSeconds,
		CallbackBaseURL:     req.CallbackBaseURL,
	})
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(view))
}

// RefreshPool POST /api/v1/pools/:id/refresh
func (h *PoolHandler) RefreshPool(c *gin.Context) {
	view, err := h.svc.RefreshPool(c.Param("id"))
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(view))
}

// ListFunctions GET /api/v1/pools/:id/functions
func (h *PoolHandler) ListFunctions(c *gin.Context) {
	fns, err := h.svc.ListFunctions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	if fns == nil {
		fns = []string{}
	}
	c.JSON(http.StatusOK, FunctionListResponse{Functions: fns})
}
