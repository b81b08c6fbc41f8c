// Package dispatcher turns submitted activities into tracker calls, applying
// deduplication and the retry policy, and resolves one Handle per submission.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"basegraph.app/issuesync/common/logger"
	"basegraph.app/issuesync/internal/backoff"
	"basegraph.app/issuesync/internal/dedup"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/tracker"
)

var (
	ErrStopped        = errors.New("dispatcher stopped")
	ErrAlreadyRunning = errors.New("dispatcher already running")
)

type Config struct {
	QueueSize   int
	MaxInFlight int
	// CallTimeout bounds a single tracker call; zero leaves it to the client.
	CallTimeout time.Duration

	// OnOutcome is called once per resolved origin activity (not per waiter).
	OnOutcome func(model.Outcome)
	// OnRetry is called when a transient failure schedules another attempt.
	OnRetry func(op model.IssueOperation, delay time.Duration, reason string)
	// OnDeduplicated is called when a submission is answered or joined
	// through an existing dedup record instead of a new attempt chain.
	OnDeduplicated func(activityID string, result dedup.CheckResult)
}

type job struct {
	handle   *Handle
	activity model.Activity
}

type waiter struct {
	handle       *Handle
	deduplicated bool
}

type scheduledRetry struct {
	timer *time.Timer
	op    *model.IssueOperation
}

type Dispatcher struct {
	client tracker.Client
	dedup  *dedup.Deduplicator
	policy *backoff.Policy
	cfg    Config
	now    func() time.Time

	intake   chan job
	retries  chan *model.IssueOperation
	stopping chan struct{}
	loopDone chan struct{}
	stopped  chan struct{}
	sem      *semaphore.Weighted

	callCtx     context.Context
	cancelCalls context.CancelFunc

	mu           sync.Mutex
	waiters      map[string][]waiter
	scheduled    map[string]scheduledRetry
	closed       bool
	shutdownDone bool
	// started is set by the first Run; Stop waits for that loop to exit.
	started bool

	submitters sync.WaitGroup
	inflight   sync.WaitGroup
}

func New(client tracker.Client, dd *dedup.Deduplicator, policy *backoff.Policy, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}

	callCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:      client,
		dedup:       dd,
		policy:      policy,
		cfg:         cfg,
		now:         time.Now,
		intake:      make(chan job, cfg.QueueSize),
		retries:     make(chan *model.IssueOperation),
		stopping:    make(chan struct{}),
		loopDone:    make(chan struct{}),
		stopped:     make(chan struct{}),
		sem:         semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		callCtx:     callCtx,
		cancelCalls: cancel,
		waiters:     make(map[string][]waiter),
		scheduled:   make(map[string]scheduledRetry),
	}
}

// Submit enqueues an activity. It blocks while the intake queue is full,
// until ctx is done or the dispatcher stops.
func (d *Dispatcher) Submit(ctx context.Context, activity model.Activity) (*Handle, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	d.submitters.Add(1)
	d.mu.Unlock()
	defer d.submitters.Done()

	h := newHandle(activity.ID)
	select {
	case d.intake <- job{activity: activity, handle: h}:
		return h, nil
	case <-d.stopping:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drains the intake queue and re-entering retries until Stop is called
// or ctx is done. Cancelling ctx also cancels outstanding tracker calls.
// Run may be called once; it returns ErrStopped if Stop came first.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return ErrStopped
	case d.started:
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.started = true
	d.mu.Unlock()
	defer close(d.loopDone)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "issuesync.dispatcher"})
	release := context.AfterFunc(ctx, d.cancelCalls)
	defer release()

	slog.InfoContext(ctx, "dispatcher started",
		"queue_size", d.cfg.QueueSize,
		"max_in_flight", d.cfg.MaxInFlight,
		"max_attempts", d.policy.MaxAttempts())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopping:
			slog.InfoContext(ctx, "dispatcher loop stopping")
			return nil
		case j := <-d.intake:
			d.process(j)
		case op := <-d.retries:
			d.launch(op)
		}
	}
}

func (d *Dispatcher) process(j job) {
	id := j.activity.ID
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		Component:     "issuesync.dispatcher",
		ActivityID:    logger.Ptr(id),
		OperationKind: logger.Ptr(string(j.activity.Kind)),
	})

	result, rec := d.dedup.Check(id)
	if result != dedup.New && d.cfg.OnDeduplicated != nil {
		d.cfg.OnDeduplicated(id, result)
	}
	switch result {
	case dedup.AlreadyCommitted:
		slog.DebugContext(ctx, "activity already committed", "remote_id", rec.RemoteID)
		j.handle.resolve(model.Outcome{Status: model.OutcomeSuccess, RemoteID: rec.RemoteID, Deduplicated: true})
	case dedup.AlreadyFailed:
		slog.DebugContext(ctx, "activity already failed", "reason", rec.Reason)
		j.handle.resolve(model.Outcome{Status: model.OutcomeFailed, Reason: rec.Reason, Deduplicated: true})
	case dedup.AlreadyPending:
		d.attach(ctx, id, j.handle)
	case dedup.New:
		d.mu.Lock()
		d.waiters[id] = append(d.waiters[id], waiter{handle: j.handle})
		d.mu.Unlock()
		d.launch(model.NewIssueOperation(j.activity))
	}
}

// attach joins a handle to the attempt chain already running for id. The
// dedup record is re-read under mu: finish marks the record before taking
// the waiters, so a terminal record here means the chain is done.
func (d *Dispatcher) attach(ctx context.Context, id string, h *Handle) {
	d.mu.Lock()
	rec, _ := d.dedup.Peek(id)
	switch rec.Status {
	case model.DedupStatusCommitted:
		d.mu.Unlock()
		h.resolve(model.Outcome{Status: model.OutcomeSuccess, RemoteID: rec.RemoteID, Deduplicated: true})
		return
	case model.DedupStatusFailed:
		d.mu.Unlock()
		h.resolve(model.Outcome{Status: model.OutcomeFailed, Reason: rec.Reason, Deduplicated: true})
		return
	}
	if _, owned := d.waiters[id]; !owned {
		// Pending without a live chain (released concurrently by shutdown).
		d.mu.Unlock()
		h.resolve(model.Outcome{Status: model.OutcomeCancelled, Reason: "shutdown", Deduplicated: true})
		return
	}
	d.waiters[id] = append(d.waiters[id], waiter{handle: h, deduplicated: true})
	d.mu.Unlock()
	slog.DebugContext(ctx, "activity already pending, joined in-flight attempt")
}

func (d *Dispatcher) launch(op *model.IssueOperation) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.cancel(op, "shutdown before attempt")
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go d.attempt(op)
}

func (d *Dispatcher) attempt(op *model.IssueOperation) {
	defer d.inflight.Done()

	ctx := logger.WithLogFields(d.callCtx, logger.LogFields{
		Component:     "issuesync.dispatcher",
		ActivityID:    logger.Ptr(op.ActivityID),
		OperationKind: logger.Ptr(string(op.Kind)),
		Attempt:       logger.Ptr(op.Attempt + 1),
	})

	req, err := tracker.BuildRequest(op)
	if err != nil {
		// Rejected before reaching the tracker, so no attempt is counted.
		d.fail(ctx, op, backoff.Permanent, err.Error())
		return
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.cancel(op, "shutdown before attempt")
		return
	}
	if d.isClosed() {
		d.sem.Release(1)
		d.cancel(op, "shutdown before attempt")
		return
	}
	remoteID, err := d.call(ctx, req)
	d.sem.Release(1)
	op.Attempt++

	if err == nil {
		d.dedup.MarkCommitted(op.ActivityID, remoteID)
		slog.InfoContext(ctx, "activity committed", "remote_id", remoteID)
		d.finish(op.ActivityID, model.Outcome{Status: model.OutcomeSuccess, RemoteID: remoteID, Attempts: op.Attempt})
		return
	}

	if d.callCtx.Err() != nil {
		slog.WarnContext(ctx, "tracker call cancelled by shutdown", "error", err)
		d.cancel(op, "shutdown during attempt")
		return
	}

	kind, reason := tracker.Classify(err)
	if !d.policy.ShouldRetry(kind, op.Attempt) {
		if kind == backoff.Transient {
			reason = fmt.Sprintf("giving up after %d attempts: %s", op.Attempt, reason)
		}
		d.fail(ctx, op, kind, reason)
		return
	}

	d.scheduleRetry(ctx, op, reason)
}

func (d *Dispatcher) fail(ctx context.Context, op *model.IssueOperation, kind backoff.FailureKind, reason string) {
	d.dedup.MarkFailed(op.ActivityID, reason)
	slog.ErrorContext(ctx, "activity failed", "failure_kind", kind, "reason", reason)
	d.finish(op.ActivityID, model.Outcome{Status: model.OutcomeFailed, Reason: reason, Attempts: op.Attempt})
}

// call performs one tracker call. A panic in the client is reported as a
// permanent failure for this activity only.
func (d *Dispatcher) call(ctx context.Context, req tracker.Request) (remoteID string, err error) {
	sc := logger.StartSpan(ctx, "dispatcher.attempt", trace.WithSpanKind(trace.SpanKindClient))
	defer sc.End()
	ctx = sc.Context()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in tracker call", "panic", r)
			err = tracker.PermanentError(fmt.Sprintf("tracker client panic: %v", r), nil)
		}
		if err != nil {
			sc.RecordError(err)
		} else {
			sc.SetAttributes(attribute.String("issuesync.remote_id", remoteID))
		}
	}()

	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	return d.client.CreateOrUpdate(ctx, req)
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, op *model.IssueOperation, reason string) {
	delay := d.policy.NextDelay(op.Attempt - 1)
	op.NextEligibleAt = d.now().Add(delay)
	// Once the timer is armed op belongs to the next attempt.
	snapshot := *op

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.cancel(op, "shutdown with retry pending")
		return
	}
	d.scheduled[op.ActivityID] = scheduledRetry{
		op:    op,
		timer: time.AfterFunc(delay, func() { d.fire(op) }),
	}
	d.mu.Unlock()

	slog.WarnContext(ctx, "transient failure, retry scheduled",
		"reason", reason,
		"delay", delay,
		"next_eligible_at", snapshot.NextEligibleAt)

	if d.cfg.OnRetry != nil {
		d.cfg.OnRetry(snapshot, delay, reason)
	}
}

// fire re-enters a retry into the work queue once its delay has elapsed.
func (d *Dispatcher) fire(op *model.IssueOperation) {
	d.mu.Lock()
	if d.closed {
		// Stop owns the scheduled set from here on.
		d.mu.Unlock()
		return
	}
	delete(d.scheduled, op.ActivityID)
	d.mu.Unlock()

	select {
	case d.retries <- op:
	case <-d.stopping:
		d.cancel(op, "shutdown with retry pending")
	}
}

func (d *Dispatcher) cancel(op *model.IssueOperation, reason string) {
	d.dedup.Release(op.ActivityID)
	d.finish(op.ActivityID, model.Outcome{Status: model.OutcomeCancelled, Reason: reason, Attempts: op.Attempt})
}

func (d *Dispatcher) finish(id string, outcome model.Outcome) {
	d.mu.Lock()
	if d.shutdownDone {
		d.mu.Unlock()
		slog.Warn("discarding result that arrived after shutdown",
			"activity_id", id, "status", outcome.Status)
		return
	}
	ws := d.waiters[id]
	delete(d.waiters, id)
	d.mu.Unlock()

	d.report(id, outcome)
	for _, w := range ws {
		o := outcome
		o.Deduplicated = w.deduplicated
		w.handle.resolve(o)
	}
}

// report runs OnOutcome before any handle resolves, so observers are never
// behind a caller that just saw its handle complete.
func (d *Dispatcher) report(id string, outcome model.Outcome) {
	if d.cfg.OnOutcome != nil {
		outcome.ActivityID = id
		d.cfg.OnOutcome(outcome)
	}
}

// Stop shuts the dispatcher down: new submissions are refused, queued and
// retry-scheduled activities resolve Cancelled, and in-flight attempts get
// until ctx is done to finish before their calls are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return nil
	}
	d.closed = true
	close(d.stopping)
	loopEntered := d.started
	pending := d.scheduled
	d.scheduled = make(map[string]scheduledRetry)
	d.mu.Unlock()

	for _, s := range pending {
		// A timer that already fired sees closed and returns without sending.
		s.timer.Stop()
		d.cancel(s.op, "shutdown with retry pending")
	}

	d.submitters.Wait()
	if loopEntered {
		<-d.loopDone
	}

	for drained := false; !drained; {
		select {
		case j := <-d.intake:
			out := model.Outcome{Status: model.OutcomeCancelled, Reason: "shutdown before dispatch"}
			d.report(j.activity.ID, out)
			j.handle.resolve(out)
		default:
			drained = true
		}
	}

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("grace period elapsed with attempts in flight: %w", ctx.Err())
		d.cancelCalls()
	}

	d.mu.Lock()
	d.shutdownDone = true
	remaining := d.waiters
	d.waiters = make(map[string][]waiter)
	d.mu.Unlock()

	for id, ws := range remaining {
		d.dedup.Release(id)
		d.report(id, model.Outcome{Status: model.OutcomeCancelled, Reason: "shutdown"})
		for _, w := range ws {
			w.handle.resolve(model.Outcome{Status: model.OutcomeCancelled, Reason: "shutdown", Deduplicated: w.deduplicated})
		}
	}

	d.cancelCalls()
	close(d.stopped)
	return err
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Scheduled reports how many retries are waiting for their delay to elapse.
func (d *Dispatcher) Scheduled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.scheduled)
}
