// Package agent composes the dispatcher and the status poller behind one
// start/stop lifecycle and one intake surface.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"basegraph.app/issuesync/common/id"
	"basegraph.app/issuesync/common/logger"
	"basegraph.app/issuesync/core/config"
	"basegraph.app/issuesync/internal/backoff"
	"basegraph.app/issuesync/internal/dedup"
	"basegraph.app/issuesync/internal/dispatcher"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/poller"
	"basegraph.app/issuesync/internal/tracker"
)

var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotStarted     = errors.New("agent not started")
	ErrStopped        = errors.New("agent stopped")
)

type lifecycle int32

const (
	stateNew lifecycle = iota
	stateStarted
	stateStopped
)

// Stats are cumulative counters since the agent was created.
type Stats struct {
	Submitted        uint64 `json:"submitted"`
	Committed        uint64 `json:"committed"`
	Failed           uint64 `json:"failed"`
	Cancelled        uint64 `json:"cancelled"`
	Deduplicated     uint64 `json:"deduplicated"`
	RetriesScheduled uint64 `json:"retries_scheduled"`
	PollCycles       uint64 `json:"poll_cycles"`
	Changes          uint64 `json:"changes"`
	PollErrors       uint64 `json:"poll_errors"`
	Removed          uint64 `json:"removed"`
	Tracked          int    `json:"tracked"`
	DedupRecords     int    `json:"dedup_records"`
}

type counters struct {
	submitted, committed, failed, cancelled, deduplicated atomic.Uint64
	retries, cycles, changes, pollErrors, removed         atomic.Uint64
}

type Option func(*Agent)

// WithDedupStore makes dedup state survive restarts: Start loads it, and it
// is saved every DedupPersistInterval and once more on Stop.
func WithDedupStore(s dedup.Store) Option {
	return func(a *Agent) { a.store = s }
}

// WithOutcomeListener observes the terminal outcome of every origin activity.
func WithOutcomeListener(fn func(model.Outcome)) Option {
	return func(a *Agent) { a.listeners = append(a.listeners, fn) }
}

// WithIDGenerator replaces the snowflake generator used for activities
// submitted without an id.
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) { a.newID = fn }
}

// WithCallTimeout bounds each tracker write call.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Agent) { a.callTimeout = d }
}

type Agent struct {
	cfg         config.AgentConfig
	dedup       *dedup.Deduplicator
	dispatcher  *dispatcher.Dispatcher
	poller      *poller.Poller
	store       dedup.Store
	listeners   []func(model.Outcome)
	newID       func() string
	callTimeout time.Duration

	mu        sync.Mutex
	state     lifecycle
	cancel    context.CancelFunc
	maintStop chan struct{}
	loops     sync.WaitGroup

	stats counters
}

func New(client tracker.Client, cfg config.AgentConfig, opts ...Option) *Agent {
	a := &Agent{
		cfg:       cfg,
		dedup:     dedup.NewDeduplicator(),
		newID:     id.NewString,
		maintStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	policy := backoff.New(backoff.Config{
		Base:        cfg.BaseBackoff,
		Max:         cfg.MaxBackoff,
		MaxAttempts: cfg.MaxAttempts,
	})

	a.dispatcher = dispatcher.New(client, a.dedup, policy, dispatcher.Config{
		QueueSize:   cfg.IntakeQueueSize,
		MaxInFlight: cfg.MaxInFlight,
		CallTimeout: a.callTimeout,
		OnOutcome:   a.recordOutcome,
		OnRetry: func(model.IssueOperation, time.Duration, string) {
			a.stats.retries.Add(1)
		},
		OnDeduplicated: func(string, dedup.CheckResult) {
			a.stats.deduplicated.Add(1)
		},
	})

	a.poller = poller.New(client, poller.Config{
		Interval:    cfg.PollInterval,
		Concurrency: cfg.PollConcurrency,
		OnCycle:     a.recordCycle,
	})

	return a
}

// Start loads persisted dedup state and brings up the dispatcher loop, the
// poll timer and the dedup maintenance loop. Starting twice returns
// ErrAlreadyStarted; an agent cannot be restarted after Stop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "issuesync.agent"})

	if a.store != nil {
		records, err := a.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("loading dedup state: %w", err)
		}
		restored := a.dedup.Restore(records)
		slog.InfoContext(ctx, "dedup state restored", "records", len(records), "restored", restored)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.loops.Add(3)
	go func() {
		defer a.loops.Done()
		if err := a.dispatcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, dispatcher.ErrStopped) {
			slog.ErrorContext(runCtx, "dispatcher loop exited", "error", err)
		}
	}()
	go func() {
		defer a.loops.Done()
		if err := a.poller.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, poller.ErrStopped) {
			slog.ErrorContext(runCtx, "poller loop exited", "error", err)
		}
	}()
	go func() {
		defer a.loops.Done()
		a.maintain(runCtx)
	}()

	a.state = stateStarted
	slog.InfoContext(ctx, "agent started",
		"poll_interval", a.cfg.PollInterval,
		"max_attempts", a.cfg.MaxAttempts,
		"shutdown_grace", a.cfg.ShutdownGrace,
		"durable_dedup", a.store != nil)
	return nil
}

// Stop refuses new Submit and Watch calls, abandons scheduled retries as
// Cancelled, gives in-flight attempts ShutdownGrace to finish and persists
// the final dedup state. Calling Stop again is a no-op.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case stateNew:
		a.mu.Unlock()
		return ErrNotStarted
	case stateStopped:
		a.mu.Unlock()
		return nil
	}
	a.state = stateStopped
	a.mu.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "issuesync.agent"})
	slog.InfoContext(ctx, "agent stopping", "shutdown_grace", a.cfg.ShutdownGrace)

	graceCtx := ctx
	if a.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		graceCtx, cancel = context.WithTimeout(ctx, a.cfg.ShutdownGrace)
		defer cancel()
	}

	a.poller.Stop()
	var errs []error
	if err := a.dispatcher.Stop(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping dispatcher: %w", err))
	}

	close(a.maintStop)
	a.cancel()
	a.loops.Wait()

	if err := a.persist(ctx); err != nil {
		errs = append(errs, err)
	}

	stats := a.Stats()
	slog.InfoContext(ctx, "agent stopped",
		"committed", stats.Committed,
		"failed", stats.Failed,
		"cancelled", stats.Cancelled)
	return errors.Join(errs...)
}

// Submit hands an activity to the dispatcher. An activity without an id gets
// a generated one, which makes deduplication best-effort for that activity:
// a resubmission of the same event cannot be recognised.
func (a *Agent) Submit(ctx context.Context, activity model.Activity) (*dispatcher.Handle, error) {
	if a.lifecycle() == stateStopped {
		return nil, ErrStopped
	}
	if err := activity.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid activity: %w", err)
	}
	if activity.ID == "" {
		activity.ID = a.newID()
		slog.WarnContext(ctx, "activity submitted without id, deduplication is best-effort",
			"activity_id", activity.ID,
			"generated_id", true)
	}
	if activity.ObservedAt.IsZero() {
		activity.ObservedAt = time.Now()
	}

	h, err := a.dispatcher.Submit(ctx, activity)
	if err != nil {
		if errors.Is(err, dispatcher.ErrStopped) {
			return nil, ErrStopped
		}
		return nil, err
	}
	a.stats.submitted.Add(1)
	return h, nil
}

// Watch puts issueKey under poll surveillance. Registration before Start is
// allowed; the first poll happens once the agent runs.
func (a *Agent) Watch(issueKey string, onChange poller.OnChange, onRemoved poller.OnRemoved) (poller.WatchHandle, error) {
	if a.lifecycle() == stateStopped {
		return poller.WatchHandle{}, ErrStopped
	}
	h, err := a.poller.Watch(issueKey, onChange, onRemoved)
	if errors.Is(err, poller.ErrStopped) {
		return poller.WatchHandle{}, ErrStopped
	}
	return h, err
}

func (a *Agent) Unwatch(h poller.WatchHandle) bool {
	return a.poller.Unwatch(h)
}

// Status returns the dedup record of an activity, if one is known.
func (a *Agent) Status(activityID string) (model.DedupRecord, bool) {
	return a.dedup.Peek(activityID)
}

// LastKnownState returns the last snapshot read for a watched issue.
func (a *Agent) LastKnownState(issueKey string) (model.StateSnapshot, bool) {
	return a.poller.LastKnown(issueKey)
}

func (a *Agent) Stats() Stats {
	return Stats{
		Submitted:        a.stats.submitted.Load(),
		Committed:        a.stats.committed.Load(),
		Failed:           a.stats.failed.Load(),
		Cancelled:        a.stats.cancelled.Load(),
		Deduplicated:     a.stats.deduplicated.Load(),
		RetriesScheduled: a.stats.retries.Load(),
		PollCycles:       a.stats.cycles.Load(),
		Changes:          a.stats.changes.Load(),
		PollErrors:       a.stats.pollErrors.Load(),
		Removed:          a.stats.removed.Load(),
		Tracked:          len(a.poller.Tracked()),
		DedupRecords:     a.dedup.Len(),
	}
}

func (a *Agent) lifecycle() lifecycle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) recordOutcome(o model.Outcome) {
	switch o.Status {
	case model.OutcomeSuccess:
		a.stats.committed.Add(1)
	case model.OutcomeFailed:
		a.stats.failed.Add(1)
	case model.OutcomeCancelled:
		a.stats.cancelled.Add(1)
	}
	for _, fn := range a.listeners {
		fn(o)
	}
}

func (a *Agent) recordCycle(res poller.CycleResult) {
	a.stats.cycles.Add(1)
	a.stats.changes.Add(uint64(res.Changed))
	a.stats.pollErrors.Add(uint64(res.Errors))
	a.stats.removed.Add(uint64(res.Removed))
}

// maintain prunes expired dedup records and persists the rest on every
// DedupPersistInterval tick.
func (a *Agent) maintain(ctx context.Context) {
	interval := a.cfg.DedupPersistInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.maintStop:
			return
		case <-ticker.C:
			if err := a.persist(ctx); err != nil {
				slog.ErrorContext(ctx, "dedup maintenance failed", "error", err)
			}
		}
	}
}

func (a *Agent) persist(ctx context.Context) error {
	if a.cfg.DedupRetention > 0 {
		if pruned := a.dedup.Prune(a.cfg.DedupRetention); pruned > 0 {
			slog.DebugContext(ctx, "pruned dedup records", "count", pruned)
		}
	}
	if a.store == nil {
		return nil
	}
	records := a.dedup.Terminal()
	if err := a.store.Save(ctx, records); err != nil {
		return fmt.Errorf("saving dedup state: %w", err)
	}
	return nil
}
