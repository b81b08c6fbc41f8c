package model

import "time"

type DedupStatus string

const (
	DedupStatusPending   DedupStatus = "pending"
	DedupStatusCommitted DedupStatus = "committed"
	DedupStatusFailed    DedupStatus = "failed"
)

func (s DedupStatus) Terminal() bool {
	return s == DedupStatusCommitted || s == DedupStatusFailed
}

type DedupRecord struct {
	UpdatedAt  time.Time   `json:"updated_at"`
	ActivityID string      `json:"activity_id"`
	Status     DedupStatus `json:"status"`
	RemoteID   string      `json:"remote_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}
