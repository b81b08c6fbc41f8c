// Package tracker defines the boundary to the remote issue tracker: the
// Client capability the agent consumes and the error classification every
// implementation must attach to failures.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"basegraph.app/issuesync/internal/backoff"
	"basegraph.app/issuesync/internal/model"
)

// ErrInvalidRequest marks requests the client rejects before any network call.
var ErrInvalidRequest = errors.New("invalid tracker request")

// Request is the tracker-facing form of an IssueOperation.
type Request struct {
	Payload    model.Payload
	ActivityID string
	Kind       model.ActivityKind
	// Attempt is 1-based and lets implementations send idempotency keys.
	Attempt int
}

// Client is implemented by the tracker transport layer.
type Client interface {
	// CreateOrUpdate performs the remote effect for req and returns the remote id.
	CreateOrUpdate(ctx context.Context, req Request) (string, error)
	// ReadState returns the current remote snapshot of issueKey.
	ReadState(ctx context.Context, issueKey string) (model.StateSnapshot, error)
}

// ClassifiedError carries the retry classification decided at the protocol
// boundary together with a human-readable reason.
type ClassifiedError struct {
	Err    error
	Reason string
	Kind   backoff.FailureKind
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil && e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func TransientError(reason string, err error) error {
	return &ClassifiedError{Kind: backoff.Transient, Reason: reason, Err: err}
}

func PermanentError(reason string, err error) error {
	return &ClassifiedError{Kind: backoff.Permanent, Reason: reason, Err: err}
}

// Classify returns the failure kind and reason for err. Errors that carry no
// classification are treated as transient: the core does not guess at
// protocol signals, and a missing tag most often means a transport failure.
func Classify(err error) (backoff.FailureKind, string) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		reason := ce.Reason
		if reason == "" && ce.Err != nil {
			reason = ce.Err.Error()
		}
		return ce.Kind, reason
	}
	if errors.Is(err, ErrInvalidRequest) {
		return backoff.Permanent, err.Error()
	}
	return backoff.Transient, err.Error()
}

// BuildRequest converts an operation into a tracker request. The switch is
// exhaustive over the closed set of activity kinds; payload contents are the
// client's concern, so a create with no fields still reaches the tracker.
func BuildRequest(op *model.IssueOperation) (Request, error) {
	switch op.Kind {
	case model.ActivityKindIssueCreate,
		model.ActivityKindIssueComment,
		model.ActivityKindIssueStatusQuery:
	default:
		return Request{}, fmt.Errorf("%w: unknown activity kind %q", ErrInvalidRequest, op.Kind)
	}
	return Request{
		ActivityID: op.ActivityID,
		Kind:       op.Kind,
		Payload:    op.Payload,
		Attempt:    op.Attempt + 1,
	}, nil
}

// Payload keys understood by the GitLab client. Everything else is passed
// through to the client untouched.
const (
	PayloadTitle       = "title"
	PayloadDescription = "description"
	PayloadLabels      = "labels"
	PayloadProject     = "project"
	PayloadIssueKey    = "issue_key"
	PayloadBody        = "body"
)
