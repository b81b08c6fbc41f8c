package model

import "maps"

// StateSnapshot is the opaque remote state of one issue as read by the poller.
type StateSnapshot struct {
	Fields   map[string]string `json:"fields,omitempty"`
	IssueKey string            `json:"issue_key"`
	Status   string            `json:"status"`
	Revision string            `json:"revision"`
}

// Equal reports whether two snapshots describe the same remote state.
func (s StateSnapshot) Equal(other StateSnapshot) bool {
	return s.Status == other.Status &&
		s.Revision == other.Revision &&
		maps.Equal(s.Fields, other.Fields)
}
