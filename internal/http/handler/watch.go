package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/issuesync/common/id"
	"basegraph.app/issuesync/common/logger"
	"basegraph.app/issuesync/internal/agent"
	"basegraph.app/issuesync/internal/http/dto"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/poller"
)

const publishTimeout = 5 * time.Second

// WatchService is the part of the agent the watch endpoints use.
type WatchService interface {
	Watch(issueKey string, onChange poller.OnChange, onRemoved poller.OnRemoved) (poller.WatchHandle, error)
	Unwatch(h poller.WatchHandle) bool
	LastKnownState(issueKey string) (model.StateSnapshot, bool)
}

// ChangeSink receives the notifications of watches registered over HTTP.
// queue.ChangePublisher is the production sink.
type ChangeSink interface {
	PublishChanged(ctx context.Context, issueKey string, snapshot model.StateSnapshot) error
	PublishRemoved(ctx context.Context, issueKey, reason string) error
}

type WatchHandler struct {
	service WatchService
	sink    ChangeSink
	newID   func() string

	mu      sync.Mutex
	watches map[string]poller.WatchHandle
}

// NewWatchHandler builds the watch endpoints. sink may be nil, in which case
// changes are only logged.
func NewWatchHandler(service WatchService, sink ChangeSink) *WatchHandler {
	return &WatchHandler{
		service: service,
		sink:    sink,
		newID:   id.NewString,
		watches: make(map[string]poller.WatchHandle),
	}
}

func (h *WatchHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateWatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: issue_key is required"})
		return
	}

	watchID := h.newID()
	wh, err := h.service.Watch(req.IssueKey, h.onChange(watchID), h.onRemoved(watchID))
	if err != nil {
		if errors.Is(err, agent.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent is shutting down"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.mu.Lock()
	h.watches[watchID] = wh
	h.mu.Unlock()

	slog.InfoContext(ctx, "watch registered", "watch_id", watchID, "issue_key", req.IssueKey)

	c.JSON(http.StatusCreated, dto.WatchResponse{WatchID: watchID, IssueKey: req.IssueKey})
}

func (h *WatchHandler) List(c *gin.Context) {
	h.mu.Lock()
	resp := dto.ListWatchesResponse{Watches: make([]dto.WatchResponse, 0, len(h.watches))}
	for watchID, wh := range h.watches {
		resp.Watches = append(resp.Watches, h.toResponse(watchID, wh))
	}
	h.mu.Unlock()

	sort.Slice(resp.Watches, func(i, j int) bool {
		return resp.Watches[i].WatchID < resp.Watches[j].WatchID
	})
	c.JSON(http.StatusOK, resp)
}

func (h *WatchHandler) Get(c *gin.Context) {
	watchID := c.Param("id")

	h.mu.Lock()
	wh, ok := h.watches[watchID]
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "watch not found"})
		return
	}
	c.JSON(http.StatusOK, h.toResponse(watchID, wh))
}

func (h *WatchHandler) Delete(c *gin.Context) {
	watchID := c.Param("id")

	h.mu.Lock()
	wh, ok := h.watches[watchID]
	delete(h.watches, watchID)
	h.mu.Unlock()

	if !ok || !h.service.Unwatch(wh) {
		c.JSON(http.StatusNotFound, gin.H{"error": "watch not found"})
		return
	}

	slog.InfoContext(c.Request.Context(), "watch removed", "watch_id", watchID, "issue_key", wh.IssueKey)
	c.Status(http.StatusNoContent)
}

func (h *WatchHandler) toResponse(watchID string, wh poller.WatchHandle) dto.WatchResponse {
	resp := dto.WatchResponse{WatchID: watchID, IssueKey: wh.IssueKey}
	if snapshot, ok := h.service.LastKnownState(wh.IssueKey); ok {
		resp.State = &snapshot
	}
	return resp
}

func (h *WatchHandler) onChange(watchID string) poller.OnChange {
	return func(issueKey string, snapshot model.StateSnapshot) {
		ctx, cancel := h.publishContext(issueKey)
		defer cancel()

		slog.InfoContext(ctx, "watched issue changed", "watch_id", watchID, "status", snapshot.Status)
		if h.sink == nil {
			return
		}
		if err := h.sink.PublishChanged(ctx, issueKey, snapshot); err != nil {
			slog.ErrorContext(ctx, "failed to publish issue change", "error", err, "watch_id", watchID)
		}
	}
}

// onRemoved also forgets the watch: the poller has already dropped it.
func (h *WatchHandler) onRemoved(watchID string) poller.OnRemoved {
	return func(issueKey, reason string) {
		h.mu.Lock()
		delete(h.watches, watchID)
		h.mu.Unlock()

		ctx, cancel := h.publishContext(issueKey)
		defer cancel()

		slog.WarnContext(ctx, "watched issue removed", "watch_id", watchID, "reason", reason)
		if h.sink == nil {
			return
		}
		if err := h.sink.PublishRemoved(ctx, issueKey, reason); err != nil {
			slog.ErrorContext(ctx, "failed to publish issue removal", "error", err, "watch_id", watchID)
		}
	}
}

func (h *WatchHandler) publishContext(issueKey string) (context.Context, context.CancelFunc) {
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		IssueKey:  logger.Ptr(issueKey),
		Component: "issuesync.http.watch",
	})
	return context.WithTimeout(ctx, publishTimeout)
}
