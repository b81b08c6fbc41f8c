package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/queue"
)

func newEnqueueCmd(global *globalOptions) *cobra.Command {
	var (
		activityID string
		kind       string
		stream     string
		traceID    string
		fields     []string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish an activity on the intake stream",
		Example: `  issuesyncctl enqueue --id build-4411 --kind issue_create \
    --field project=group/app --field title="Build 4411 failed" --field labels=ci,broken`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			activity, err := buildActivity(activityID, kind, fields)
			if err != nil {
				return err
			}

			opts, err := redis.ParseURL(global.redisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			producer := queue.NewRedisProducer(redis.NewClient(opts), stream, nil)
			defer producer.Close()

			if err := producer.Enqueue(cmd.Context(), activity, traceID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s) on %s\n", activity.ID, activity.Kind, stream)
			return err
		},
	}

	cmd.Flags().StringVar(&activityID, "id", "", "stable activity id (required)")
	cmd.Flags().StringVar(&kind, "kind", string(model.ActivityKindIssueCreate), "activity kind: issue_create, issue_comment, issue_status_query")
	cmd.Flags().StringVar(&stream, "stream", envOr("REDIS_STREAM", "issuesync_activities"), "intake stream")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id to continue")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "payload entry as key=value, repeatable")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func buildActivity(activityID, kind string, fields []string) (model.Activity, error) {
	k := model.ActivityKind(kind)
	if !k.Valid() {
		return model.Activity{}, fmt.Errorf("unknown activity kind %q", kind)
	}
	if strings.TrimSpace(activityID) == "" {
		return model.Activity{}, fmt.Errorf("activity id must not be empty")
	}

	payload, err := parseFields(fields)
	if err != nil {
		return model.Activity{}, err
	}
	return model.Activity{
		ID:         activityID,
		Kind:       k,
		Payload:    payload,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// parseFields turns key=value pairs into a payload. Integers and the literals
// true and false keep their type; everything else is a string.
func parseFields(fields []string) (model.Payload, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	payload := make(model.Payload, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q is not key=value", f)
		}
		switch {
		case value == "true" || value == "false":
			payload[key] = value == "true"
		default:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				payload[key] = n
			} else {
				payload[key] = value
			}
		}
	}
	return payload, nil
}
