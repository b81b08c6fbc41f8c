package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/issuesync/internal/agent"
)

type StatsSource interface {
	Stats() agent.Stats
}

type StatsHandler struct {
	source StatsSource
}

func NewStatsHandler(source StatsSource) *StatsHandler {
	return &StatsHandler{source: source}
}

func (h *StatsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.Stats())
}
