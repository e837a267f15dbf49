package api

import (
	"log/slog"
	"net/http"
	"time"

	"fleet/internal/service"

	"github.com/gin-gonic/gin"
)

func NewRouter(svc *service.Service, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	nodeHandler := NewNodeHandler(svc)
	poolHandler := NewPoolHandler(svc)
	demandHandler := NewDemandHandler(svc)
	eventHandler := NewEventHandler(svc)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/demand", demandHandler.SubmitDemand)
		v1.POST("/fleet/quiet-down", demandHandler.QuietDown)
		v1.GET("/events", eventHandler.StreamFleet)

		nodes := v1.Group("/nodes")
		{
			nodes.GET("", nodeHandler.ListNodes)
			nodes.POST("/:name/connect", nodeHandler.Connect)
			nodes.POST("/:name/tasks/accepted", nodeHandler.TaskAccepted)
			nodes.POST("/:name/tasks/finished", nodeHandler.TaskFinished)
			nodes.GET("/:name/events", eventHandler.StreamWorker)
		}

		pools := v1.Group("/pools")
		{
			pools.GET("", poolHandler.ListPools)
			pools.PATCH("/:id", poolHandler.UpdatePool)
			pools.POST("/:id/refresh", poolHandler.RefreshPool)
			pools.GET("/:id/functions", poolHandler.ListFunctions)
		}
	}

	return r
}
