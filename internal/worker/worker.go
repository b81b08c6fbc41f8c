package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"basegraph.app/issuesync/common/logger"
	"basegraph.app/issuesync/internal/dispatcher"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/queue"
)

// MessageQueue is the part of queue.RedisConsumer the intake worker uses.
type MessageQueue interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Submitter is the agent's intake surface.
type Submitter interface {
	Submit(ctx context.Context, activity model.Activity) (*dispatcher.Handle, error)
}

type Config struct {
	// ErrorBackoff is the pause after a failed stream read.
	ErrorBackoff time.Duration
}

// Worker feeds activities from the intake stream into the agent. A message is
// acked once its activity resolves Success, moved to the DLQ when it resolves
// Failed, and left pending when Cancelled so it is redelivered with the same
// activity id after a restart. A message is settled at most once at a time:
// a redelivery that arrives while the first delivery is still unsettled is
// dropped.
type Worker struct {
	queue     MessageQueue
	submitter Submitter
	cfg       Config

	mu       sync.Mutex
	settling map[string]struct{}

	pending   sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(q MessageQueue, submitter Submitter, cfg Config) *Worker {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		queue:     q,
		submitter: submitter,
		cfg:       cfg,
		settling:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "issuesync.worker"})
	slog.InfoContext(ctx, "intake worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "intake worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				select {
				case <-time.After(w.cfg.ErrorBackoff):
				case <-w.stopCh:
				case <-ctx.Done():
				}
			}
		}
	}
}

// Stop ends the read loop. Activities already submitted keep their ack
// bookkeeping; use Wait to block until all of them resolved.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

// Wait blocks until every submitted message has been acked, dead-lettered or
// left pending, or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.queue.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed, leaving it for the reclaimer",
				"error", err,
				"message_id", msg.ID,
				"activity_id", msg.Activity.ID)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"activity_id", msg.Activity.ID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage submits one message's activity and arranges for the message
// to be settled when the activity resolves. Exported for the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID:     logger.Ptr(msg.ID),
		ActivityID:    logger.Ptr(msg.Activity.ID),
		OperationKind: logger.Ptr(string(msg.Activity.Kind)),
	})

	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.submit_activity", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()

	if !w.claim(msg.ID) {
		slog.DebugContext(ctx, "message already being settled, skipping redelivery", "delivery_attempt", msg.Attempt)
		return nil
	}

	slog.InfoContext(ctx, "submitting activity", "delivery_attempt", msg.Attempt)

	h, err := w.submitter.Submit(ctx, msg.Activity)
	if err != nil {
		w.release(msg.ID)
		sc.RecordError(err)
		return fmt.Errorf("submitting activity: %w", err)
	}

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		defer w.release(msg.ID)
		w.settle(context.WithoutCancel(ctx), msg, h)
	}()
	return nil
}

// Settling reports whether msgID was submitted and has not been settled yet.
func (w *Worker) Settling(msgID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.settling[msgID]
	return ok
}

func (w *Worker) claim(msgID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.settling[msgID]; ok {
		return false
	}
	w.settling[msgID] = struct{}{}
	return true
}

func (w *Worker) release(msgID string) {
	w.mu.Lock()
	delete(w.settling, msgID)
	w.mu.Unlock()
}

func (w *Worker) settle(ctx context.Context, msg queue.Message, h *dispatcher.Handle) {
	out, err := h.Wait(ctx)
	if err != nil {
		return
	}

	switch out.Status {
	case model.OutcomeSuccess:
		if err := w.queue.Ack(ctx, msg); err != nil {
			// The reclaimer will redeliver it and dedup answers without a call.
			slog.WarnContext(ctx, "failed to ACK message", "error", err)
			return
		}
		slog.InfoContext(ctx, "activity synced",
			"remote_id", out.RemoteID,
			"deduplicated", out.Deduplicated)
	case model.OutcomeFailed:
		if err := w.queue.SendDLQ(ctx, msg, out.Reason); err != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", err)
		}
	case model.OutcomeCancelled:
		slog.WarnContext(ctx, "activity cancelled, leaving message pending for redelivery",
			"reason", out.Reason)
	}
}
