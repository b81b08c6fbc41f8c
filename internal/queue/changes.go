package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/issuesync/internal/model"
)

type ChangeKind string

const (
	ChangeKindChanged ChangeKind = "changed"
	ChangeKindRemoved ChangeKind = "removed"
)

// Change is one notification written to the changes stream.
type Change struct {
	ObservedAt time.Time
	Fields     map[string]string
	IssueKey   string
	Kind       ChangeKind
	Status     string
	Revision   string
	Reason     string
}

// ChangePublisher appends watcher notifications to a Redis stream so other
// services can react to remote issue changes.
type ChangePublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewChangePublisher(client *redis.Client, stream string, maxLen int64) *ChangePublisher {
	return &ChangePublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *ChangePublisher) PublishChanged(ctx context.Context, issueKey string, snapshot model.StateSnapshot) error {
	return p.publish(ctx, Change{
		Kind:       ChangeKindChanged,
		IssueKey:   issueKey,
		Status:     snapshot.Status,
		Revision:   snapshot.Revision,
		Fields:     snapshot.Fields,
		ObservedAt: time.Now(),
	})
}

func (p *ChangePublisher) PublishRemoved(ctx context.Context, issueKey, reason string) error {
	return p.publish(ctx, Change{
		Kind:       ChangeKindRemoved,
		IssueKey:   issueKey,
		Reason:     reason,
		ObservedAt: time.Now(),
	})
}

func (p *ChangePublisher) publish(ctx context.Context, c Change) error {
	values, err := changeValues(c)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{Stream: p.stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd changes (stream=%s): %w", p.stream, err)
	}

	slog.DebugContext(ctx, "issue change published",
		"issue_key", c.IssueKey,
		"kind", c.Kind,
		"status", c.Status)
	return nil
}

func changeValues(c Change) (map[string]any, error) {
	values := map[string]any{
		"issue_key":   c.IssueKey,
		"kind":        string(c.Kind),
		"observed_at": c.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
	switch c.Kind {
	case ChangeKindChanged:
		values["status"] = c.Status
		values["revision"] = c.Revision
		if len(c.Fields) > 0 {
			raw, err := json.Marshal(c.Fields)
			if err != nil {
				return nil, fmt.Errorf("encoding change fields: %w", err)
			}
			values["fields"] = string(raw)
		}
	case ChangeKindRemoved:
		values["reason"] = c.Reason
	}
	return values, nil
}
