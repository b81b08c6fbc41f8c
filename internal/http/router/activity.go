package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/issuesync/internal/http/handler"
)

func ActivityRouter(rg *gin.RouterGroup, h *handler.ActivityHandler) {
	rg.POST("", h.Submit)
	rg.GET("/:id", h.Get)
}
