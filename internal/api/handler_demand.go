package api

import (
	"net/http"

	"fleet/internal/orchestrator"
	"fleet/internal/service"

	"github.com/gin-gonic/gin"
)

type DemandHandler struct {
	svc *service.Service
}

func NewDemandHandler(svc *service.Service) *DemandHandler {
	return &DemandHandler{svc: svc}
}

// SubmitDemand POST /api/v1/demand
// 上报某个 label 的排队情况
func (h *DemandHandler) SubmitDemand(c *gin.Context) {
	var req DemandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	snap := orchestrator.DemandSnapshot{
		Label:               req.Label,
		QueueLength:         req.QueueLength,
		AvailableExecutors:  req.AvailableExecutors,
		ConnectingExecutors: req.ConnectingExecutors,
		PlannedCapacity:     req.PlannedCapacity,
	}

	res, err := h.svc.SubmitDemand(c.Request.Context(), snap, req.Wait)
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}

	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	c.JSON(status, toDemandResponse(res, req.Wait))
}

// QuietDown POST /api/v1/fleet/quiet-down
func (h *DemandHandler) QuietDown(c *gin.Context) {
	var req QuietDownRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	h.svc.SetQuietingDown(req.Enabled)
	status := "running"
	if req.Enabled {
		status = "quieting_down"
	}
	c.JSON(http.StatusOK, StatusResponse{Status: status})
}
