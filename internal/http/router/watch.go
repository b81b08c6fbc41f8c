package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/issuesync/internal/http/handler"
)

func WatchRouter(rg *gin.RouterGroup, h *handler.WatchHandler) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.DELETE("/:id", h.Delete)
}
