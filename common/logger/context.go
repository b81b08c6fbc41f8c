package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment so the dispatcher, poller and intake worker
// never have to repeat activity_id / issue_key on every log call.
type LogFields struct {
	ActivityID    *string // Activity being dispatched
	IssueKey      *string // Tracker issue key (e.g. "group/project#12")
	OperationKind *string // issue_create, issue_comment, issue_status_query
	Attempt       *int    // 1-based attempt number within one activity's retry chain
	MessageID     *string // Redis stream message ID
	Component     string  // Component name (OTel semantic convention style, e.g., "issuesync.dispatcher")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.ActivityID != nil {
		result.ActivityID = next.ActivityID
	}
	if next.IssueKey != nil {
		result.IssueKey = next.IssueKey
	}
	if next.OperationKind != nil {
		result.OperationKind = next.OperationKind
	}
	if next.Attempt != nil {
		result.Attempt = next.Attempt
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{ActivityID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging tracker error bodies.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
