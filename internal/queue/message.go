package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/issuesync/internal/model"
)

// Stream field names of an activity message.
const (
	fieldActivityID = "activity_id"
	fieldKind       = "kind"
	fieldPayload    = "payload"
	fieldObservedAt = "observed_at"
	fieldTraceID    = "trace_id"
	fieldAttempt    = "attempt"
)

type Message struct {
	ID       string
	Activity model.Activity
	// Attempt counts deliveries of this message across DLQ replays; it is
	// unrelated to the dispatcher's per-activity retry count.
	Attempt int
	TraceID string
	Raw     redis.XMessage
}

func ParseMessage(msg redis.XMessage) (Message, error) {
	activityID, err := parseString(msg.Values, fieldActivityID)
	if err != nil {
		return Message{}, err
	}
	if activityID == "" {
		return Message{}, fmt.Errorf("empty %s", fieldActivityID)
	}

	kindStr, err := parseString(msg.Values, fieldKind)
	if err != nil {
		return Message{}, err
	}
	kind := model.ActivityKind(kindStr)
	if !kind.Valid() {
		return Message{}, fmt.Errorf("unknown kind %q", kindStr)
	}

	var payload model.Payload
	rawPayload, err := parseOptionalString(msg.Values, fieldPayload)
	if err != nil {
		return Message{}, err
	}
	if rawPayload != "" {
		if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
			return Message{}, fmt.Errorf("parsing %s: %w", fieldPayload, err)
		}
	}

	observedAt := time.Now()
	rawObserved, err := parseOptionalString(msg.Values, fieldObservedAt)
	if err != nil {
		return Message{}, err
	}
	if rawObserved != "" {
		observedAt, err = time.Parse(time.RFC3339Nano, rawObserved)
		if err != nil {
			return Message{}, fmt.Errorf("parsing %s: %w", fieldObservedAt, err)
		}
	}

	traceID, err := parseOptionalString(msg.Values, fieldTraceID)
	if err != nil {
		return Message{}, err
	}

	attempt, err := parseOptionalInt(msg.Values, fieldAttempt)
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	return Message{
		ID: msg.ID,
		Activity: model.Activity{
			ID:         activityID,
			Kind:       kind,
			Payload:    payload,
			ObservedAt: observedAt,
		},
		Attempt: attempt,
		TraceID: traceID,
		Raw:     msg,
	}, nil
}

func messageValues(msg Message, attempt int) (map[string]any, error) {
	values := map[string]any{
		fieldActivityID: msg.Activity.ID,
		fieldKind:       string(msg.Activity.Kind),
		fieldAttempt:    attempt,
	}

	if len(msg.Activity.Payload) > 0 {
		raw, err := json.Marshal(msg.Activity.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		values[fieldPayload] = string(raw)
	}
	if !msg.Activity.ObservedAt.IsZero() {
		values[fieldObservedAt] = msg.Activity.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	if msg.TraceID != "" {
		values[fieldTraceID] = msg.TraceID
	}
	return values, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	str := fmt.Sprint(raw)
	num, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	return fmt.Sprint(raw), nil
}
