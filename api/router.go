package api

import (
	"ffbot/config"
	"ffbot/logger"
	"ffbot/pipeline"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRouter wires the HTTP API. chat may be nil when no bot is configured.
func SetupRouter(pm *pipeline.Manager, hub *Hub, chat ChatStatus, cfg *config.Config, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Nop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), cors.Default(), RequestLogger(log.Named("http")))
	h := NewHandler(pm, hub, chat, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.GET("/operations", h.handleListOperations)

		v1.POST("/jobs", h.handleCreateJob)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:taskId", h.handleGetJobStatus)
		v1.PATCH("/jobs/:taskId/cancel", h.handleCancelJob)
		v1.GET("/jobs/:taskId/ws", h.handleWatchJob)

		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
