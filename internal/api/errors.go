package api

import (
	"errors"
	"net/http"

	"fleet/internal/orchestrator"
	"fleet/internal/service"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

func mapServiceError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, service.ErrPoolNotFound), errors.Is(err, service.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBadSecret):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, orchestrator.ErrConfig):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
