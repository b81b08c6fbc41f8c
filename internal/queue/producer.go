package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"basegraph.app/issuesync/internal/model"
)

type Producer interface {
	Enqueue(ctx context.Context, activity model.Activity, traceID string) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, activity model.Activity, traceID string) error {
	values, err := messageValues(Message{Activity: activity, TraceID: traceID}, 1)
	if err != nil {
		return fmt.Errorf("enqueue activity: %w", err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue activity: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued activity", "activity_id", activity.ID, "kind", activity.Kind)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
