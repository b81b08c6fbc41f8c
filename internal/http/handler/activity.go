package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/dispatcher"
	"basegraph.app/issuesync/internal/http/dto"
	"basegraph.app/issuesync/internal/model"
)

const maxSubmitWait = time.Minute

// ActivityService is the part of the agent the activity endpoints use.
type ActivityService interface {
	Submit(ctx context.Context, activity model.Activity) (*dispatcher.Handle, error)
	Status(activityID string) (model.DedupRecord, bool)
}

type ActivityHandler struct {
	service ActivityService
}

func NewActivityHandler(service ActivityService) *ActivityHandler {
	return &ActivityHandler{service: service}
}

// Submit accepts an activity for dispatch. With ?wait=<duration> the request
// holds until the activity resolves or the wait elapses; the activity keeps
// being dispatched either way.
func (h *ActivityHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SubmitActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid activity request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := model.ActivityKind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown activity kind"})
		return
	}
	payload := model.Payload(req.Payload)
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wait must be a non-negative duration"})
			return
		}
		wait = min(d, maxSubmitWait)
	}

	activity := model.Activity{
		ID:      req.ID,
		Kind:    kind,
		Payload: payload,
	}
	if req.ObservedAt != nil {
		activity.ObservedAt = *req.ObservedAt
	}

	handle, err := h.service.Submit(ctx, activity)
	if err != nil {
		if errors.Is(err, agent.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent is shutting down"})
			return
		}
		if ctx.Err() != nil {
			return
		}
		slog.ErrorContext(ctx, "failed to submit activity", "error", err, "activity_id", req.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit activity"})
		return
	}

	resp := dto.SubmitActivityResponse{ActivityID: handle.ActivityID()}
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if outcome, err := handle.Wait(waitCtx); err == nil {
			resp.Outcome = &outcome
			c.JSON(http.StatusOK, resp)
			return
		}
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *ActivityHandler) Get(c *gin.Context) {
	activityID := c.Param("id")
	rec, ok := h.service.Status(activityID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity not found"})
		return
	}
	c.JSON(http.StatusOK, dto.ToActivityStatusResponse(rec))
}
