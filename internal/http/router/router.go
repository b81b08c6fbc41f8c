package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/http/handler"
	"basegraph.app/issuesync/internal/http/middleware"
)

type RouterConfig struct {
	APIKey string
	// ChangeSink receives the notifications of watches created over HTTP. Optional.
	ChangeSink handler.ChangeSink
}

func SetupRoutes(router *gin.Engine, a *agent.Agent, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireAPIKey(cfg.APIKey))
	{
		ActivityRouter(v1.Group("/activities"), handler.NewActivityHandler(a))
		WatchRouter(v1.Group("/watches"), handler.NewWatchHandler(a, cfg.ChangeSink))

		statsHandler := handler.NewStatsHandler(a)
		v1.GET("/stats", statsHandler.Get)
	}
}
