package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/issuesync/common/logger"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/queue"
)

type RedisReclaimerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// MinIdle must outlast the longest retry chain the agent can run for one
	// activity; shorter values are still safe but cost an extra XRANGE per
	// message that is skipped as pending.
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// ActivityStatus reports the local dedup record of an activity.
// *agent.Agent implements it.
type ActivityStatus interface {
	Status(activityID string) (model.DedupRecord, bool)
}

// RedisReclaimer periodically takes over activity messages that stayed
// unacked for MinIdle: those of a process that died before settling them and
// those left pending because shutdown cancelled their activity. Messages
// whose activity is still pending in this agent are left alone, so a long
// retry chain is never resubmitted next to itself.
type RedisReclaimer struct {
	client    *redis.Client
	cfg       RedisReclaimerConfig
	consumer  MessageQueue
	processor queue.MessageProcessor
	status    ActivityStatus

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewRedisReclaimer(client *redis.Client, cfg RedisReclaimerConfig, consumer MessageQueue, processor queue.MessageProcessor, status ActivityStatus) *RedisReclaimer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &RedisReclaimer{
		client:    client,
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		status:    status,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run scans for stale messages every Interval until Stop is called or ctx is
// done.
func (r *RedisReclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "issuesync.worker.reclaimer"})
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"stream", r.cfg.Stream,
		"group", r.cfg.Group)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim sweep failed", "error", err)
			}
		}
	}
}

func (r *RedisReclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *RedisReclaimer) sweep(ctx context.Context) error {
	stale, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stale activity messages", "count", len(stale))

	for _, p := range stale {
		if err := r.takeOver(ctx, p); err != nil {
			slog.ErrorContext(ctx, "failed to take over stale message",
				"error", err,
				"message_id", p.ID,
				"original_consumer", p.Consumer,
				"idle", p.Idle)
		}
	}
	return nil
}

// takeOver resubmits one stale message. The entry is read before it is
// claimed so a skipped message keeps its owner and idle time.
func (r *RedisReclaimer) takeOver(ctx context.Context, p redis.XPendingExt) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(p.ID)})

	entries, err := r.client.XRangeN(ctx, r.cfg.Stream, p.ID, p.ID, 1).Result()
	if err != nil {
		return fmt.Errorf("xrange: %w", err)
	}
	if len(entries) == 0 {
		// Trimmed from the stream; nothing left to resubmit.
		slog.WarnContext(ctx, "stale message no longer in stream, acknowledging")
		return r.consumer.Ack(ctx, queue.Message{ID: p.ID})
	}

	msg, err := queue.ParseMessage(entries[0])
	if err != nil {
		slog.ErrorContext(ctx, "unparseable stale message, acknowledging to prevent loop", "error", err)
		return r.consumer.Ack(ctx, queue.Message{ID: p.ID, Raw: entries[0]})
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{ActivityID: logger.Ptr(msg.Activity.ID)})

	if !shouldResubmit(r.status, msg.Activity.ID) {
		slog.DebugContext(ctx, "activity still pending locally, leaving message with its owner",
			"original_consumer", p.Consumer,
			"idle", p.Idle)
		return nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{p.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	if len(claimed) == 0 {
		slog.DebugContext(ctx, "message already taken over by another consumer")
		return nil
	}

	if n := int(p.RetryCount); n > msg.Attempt {
		msg.Attempt = n
	}

	slog.InfoContext(ctx, "resubmitting stale activity",
		"original_consumer", p.Consumer,
		"idle", p.Idle,
		"delivery_attempt", msg.Attempt)

	if err := r.processor(ctx, msg); err != nil {
		return fmt.Errorf("resubmitting activity: %w", err)
	}
	return nil
}

// shouldResubmit is false while the activity's attempt chain is still running
// here. Committed and failed records are resubmitted: dedup answers them
// without a tracker call and the worker settles the message.
func shouldResubmit(status ActivityStatus, activityID string) bool {
	if status == nil {
		return true
	}
	rec, ok := status.Status(activityID)
	return !ok || rec.Status != model.DedupStatusPending
}
