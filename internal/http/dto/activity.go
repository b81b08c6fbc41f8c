package dto

import (
	"time"

	"basegraph.app/issuesync/internal/model"
)

type SubmitActivityRequest struct {
	ID         string         `json:"id,omitempty"`
	Kind       string         `json:"kind" binding:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	ObservedAt *time.Time     `json:"observed_at,omitempty"`
}

// SubmitActivityResponse carries the outcome only when the request waited
// for it and the activity resolved in time.
type SubmitActivityResponse struct {
	ActivityID string         `json:"activity_id"`
	Outcome    *model.Outcome `json:"outcome,omitempty"`
}

type ActivityStatusResponse struct {
	ActivityID string    `json:"activity_id"`
	Status     string    `json:"status"`
	RemoteID   string    `json:"remote_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func ToActivityStatusResponse(rec model.DedupRecord) ActivityStatusResponse {
	return ActivityStatusResponse{
		ActivityID: rec.ActivityID,
		Status:     string(rec.Status),
		RemoteID:   rec.RemoteID,
		Reason:     rec.Reason,
		UpdatedAt:  rec.UpdatedAt,
	}
}
