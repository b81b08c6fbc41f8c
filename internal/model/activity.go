package model

import (
	"fmt"
	"time"
)

type ActivityKind string

const (
	ActivityKindIssueCreate      ActivityKind = "issue_create"
	ActivityKindIssueComment     ActivityKind = "issue_comment"
	ActivityKindIssueStatusQuery ActivityKind = "issue_status_query"
)

func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityKindIssueCreate, ActivityKindIssueComment, ActivityKindIssueStatusQuery:
		return true
	}
	return false
}

// Payload is passed through to the tracker client untouched. Values are
// limited to string, number and bool.
type Payload map[string]any

// String returns the value under key formatted as a string, or "" when absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Validate rejects values that are not a scalar string, number or bool.
func (p Payload) Validate() error {
	for k, v := range p {
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		default:
			return fmt.Errorf("payload key %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

// Activity is a locally observed event that must be reflected on the tracker.
// ID is stable across resubmissions of the same logical event.
type Activity struct {
	ObservedAt time.Time    `json:"observed_at"`
	Payload    Payload      `json:"payload,omitempty"`
	ID         string       `json:"id"`
	Kind       ActivityKind `json:"kind"`
}
