package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ffcompress/config"
	"ffcompress/task"
)

func SetupRouter(tm *task.Manager, prober task.Prober, cfg *config.Config, extraArgs []string, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	h := NewHandler(tm, prober, cfg, extraArgs, logger)

	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/probe", h.handleProbe)
		v1.POST("/estimate", h.handleEstimate)

		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.GET("/tasks/:taskId/events", h.handleTaskEvents)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)

		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
