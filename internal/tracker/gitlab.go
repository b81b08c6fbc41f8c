package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"basegraph.app/issuesync/internal/model"
)

type GitLabConfig struct {
	BaseURL string // empty means gitlab.com
	Token   string
	// DefaultProject is used by IssueCreate activities without a "project" payload key.
	DefaultProject string
}

// GitLabClient implements Client on top of the GitLab v4 API. Issue keys have
// the form "<project>#<iid>", where project is a numeric id or a full path.
type GitLabClient struct {
	client         *gitlab.Client
	defaultProject string
}

func NewGitLabClient(cfg GitLabConfig) (*GitLabClient, error) {
	opts := []gitlab.ClientOptionFunc{
		// Retries are owned by the dispatcher's backoff policy.
		gitlab.WithCustomRetryMax(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/api/v4"))
	}

	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	return &GitLabClient{client: client, defaultProject: cfg.DefaultProject}, nil
}

func (c *GitLabClient) CreateOrUpdate(ctx context.Context, req Request) (string, error) {
	switch req.Kind {
	case model.ActivityKindIssueCreate:
		return c.createIssue(ctx, req)
	case model.ActivityKindIssueComment:
		return c.createNote(ctx, req)
	case model.ActivityKindIssueStatusQuery:
		key := req.Payload.String(PayloadIssueKey)
		if key == "" {
			return "", PermanentError("issue_status_query requires an issue_key", ErrInvalidRequest)
		}
		if _, err := c.ReadState(ctx, key); err != nil {
			return "", err
		}
		return key, nil
	default:
		return "", PermanentError(fmt.Sprintf("unsupported activity kind %q", req.Kind), ErrInvalidRequest)
	}
}

func (c *GitLabClient) ReadState(ctx context.Context, issueKey string) (model.StateSnapshot, error) {
	project, iid, err := ParseIssueKey(issueKey)
	if err != nil {
		return model.StateSnapshot{}, PermanentError(err.Error(), err)
	}

	issue, resp, err := c.client.Issues.GetIssue(project, iid, nil, gitlab.WithContext(ctx))
	if err != nil {
		return model.StateSnapshot{}, classifyGitLab("reading issue "+issueKey, resp, err)
	}

	return snapshotFromIssue(issueKey, issue), nil
}

func (c *GitLabClient) createIssue(ctx context.Context, req Request) (string, error) {
	project := req.Payload.String(PayloadProject)
	if project == "" {
		project = c.defaultProject
	}
	if project == "" {
		return "", PermanentError("issue_create requires a project", ErrInvalidRequest)
	}
	title := req.Payload.String(PayloadTitle)
	if title == "" {
		return "", PermanentError("issue_create requires a title", ErrInvalidRequest)
	}

	opts := &gitlab.CreateIssueOptions{
		Title: gitlab.Ptr(title),
	}
	if desc := req.Payload.String(PayloadDescription); desc != "" {
		opts.Description = gitlab.Ptr(desc)
	}
	if labels := splitLabels(req.Payload.String(PayloadLabels)); len(labels) > 0 {
		opts.Labels = gitlab.Ptr(gitlab.LabelOptions(labels))
	}

	issue, resp, err := c.client.Issues.CreateIssue(projectID(project), opts, gitlab.WithContext(ctx))
	if err != nil {
		return "", classifyGitLab("creating issue in "+project, resp, err)
	}

	return FormatIssueKey(project, issue.IID), nil
}

func (c *GitLabClient) createNote(ctx context.Context, req Request) (string, error) {
	key := req.Payload.String(PayloadIssueKey)
	body := req.Payload.String(PayloadBody)
	if key == "" || body == "" {
		return "", PermanentError("issue_comment requires an issue_key and a body", ErrInvalidRequest)
	}
	project, iid, err := ParseIssueKey(key)
	if err != nil {
		return "", PermanentError(err.Error(), err)
	}

	note, resp, err := c.client.Notes.CreateIssueNote(project, iid, &gitlab.CreateIssueNoteOptions{
		Body: gitlab.Ptr(body),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return "", classifyGitLab("commenting on "+key, resp, err)
	}

	return fmt.Sprintf("%s/notes/%d", key, note.ID), nil
}

// ParseIssueKey splits "<project>#<iid>". Numeric projects are returned as
// int64 so the client addresses them by id rather than path.
func ParseIssueKey(key string) (any, int64, error) {
	idx := strings.LastIndex(key, "#")
	if idx <= 0 || idx == len(key)-1 {
		return nil, 0, fmt.Errorf("%w: malformed issue key %q", ErrInvalidRequest, key)
	}
	iid, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil || iid <= 0 {
		return nil, 0, fmt.Errorf("%w: malformed issue iid in %q", ErrInvalidRequest, key)
	}
	return projectID(key[:idx]), iid, nil
}

func FormatIssueKey(project string, iid int64) string {
	return fmt.Sprintf("%s#%d", project, iid)
}

func projectID(project string) any {
	if n, err := strconv.ParseInt(project, 10, 64); err == nil {
		return n
	}
	return project
}

func splitLabels(raw string) []string {
	var labels []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

func snapshotFromIssue(key string, issue *gitlab.Issue) model.StateSnapshot {
	snap := model.StateSnapshot{
		IssueKey: key,
		Status:   issue.State,
		Fields: map[string]string{
			"title":  issue.Title,
			"labels": strings.Join(issue.Labels, ","),
		},
	}
	if issue.UpdatedAt != nil {
		snap.Revision = issue.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	var assignees []string
	for _, a := range issue.Assignees {
		if a != nil {
			assignees = append(assignees, a.Username)
		}
	}
	if len(assignees) > 0 {
		snap.Fields["assignees"] = strings.Join(assignees, ",")
	}
	return snap
}

// classifyGitLab maps protocol signals onto the transient/permanent split:
// timeouts, resets, 408/425/429 and 5xx are transient; any other 4xx
// (validation, auth, not found) is permanent.
func classifyGitLab(action string, resp *gitlab.Response, err error) error {
	if resp != nil && resp.Response != nil {
		status := resp.StatusCode
		reason := fmt.Sprintf("%s: %s", action, http.StatusText(status))
		var apiErr *gitlab.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			reason = fmt.Sprintf("%s: %d %s", action, status, apiErr.Message)
		}
		switch {
		case status == http.StatusRequestTimeout,
			status == http.StatusTooEarly,
			status == http.StatusTooManyRequests,
			status >= 500:
			return TransientError(reason, err)
		case status >= 400:
			return PermanentError(reason, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientError(action+": timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientError(action+": deadline exceeded", err)
	}
	return TransientError(action+": "+err.Error(), err)
}
