package dto

import "basegraph.app/issuesync/internal/model"

type CreateWatchRequest struct {
	IssueKey string `json:"issue_key" binding:"required"`
}

type WatchResponse struct {
	WatchID  string               `json:"watch_id"`
	IssueKey string               `json:"issue_key"`
	State    *model.StateSnapshot `json:"state,omitempty"`
}

type ListWatchesResponse struct {
	Watches []WatchResponse `json:"watches"`
}
