// Package poller re-reads the remote state of watched issues on a fixed
// interval and notifies watchers when a snapshot changes or an issue goes away.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"basegraph.app/issuesync/common/logger"
	"basegraph.app/issuesync/internal/backoff"
	"basegraph.app/issuesync/internal/model"
	"basegraph.app/issuesync/internal/tracker"
)

var ErrStopped = errors.New("poller stopped")

// StateReader is the read half of tracker.Client.
type StateReader interface {
	ReadState(ctx context.Context, issueKey string) (model.StateSnapshot, error)
}

type (
	OnChange  func(issueKey string, snapshot model.StateSnapshot)
	OnRemoved func(issueKey string, reason string)
)

type Config struct {
	Interval    time.Duration
	Concurrency int
	// OnCycle receives the counters of every completed cycle.
	OnCycle func(CycleResult)
}

type CycleResult struct {
	Polled    int
	Unchanged int
	Changed   int
	Errors    int
	Removed   int
}

// WatchHandle identifies one watcher registration.
type WatchHandle struct {
	IssueKey string
	id       uint64
}

type watcher struct {
	onChange  OnChange
	onRemoved OnRemoved
	id        uint64
}

type pollState int

const (
	stateIdle pollState = iota
	statePolling
)

type trackedIssue struct {
	mu        sync.Mutex
	last      model.StateSnapshot
	key       string
	watchers  []watcher
	state     pollState
	hasState  bool
	untracked bool
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeChanged
	outcomeError
	outcomeRemoved
	outcomeSkipped
)

type Poller struct {
	reader StateReader
	cfg    Config

	mu     sync.Mutex
	issues map[string]*trackedIssue
	nextID uint64
	closed bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

func New(reader StateReader, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Poller{
		reader:    reader,
		cfg:       cfg,
		issues:    make(map[string]*trackedIssue),
		runCtx:    runCtx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Watch registers callbacks for issueKey. The first successful read of a
// newly tracked issue establishes its baseline and notifies nobody.
func (p *Poller) Watch(issueKey string, onChange OnChange, onRemoved OnRemoved) (WatchHandle, error) {
	if issueKey == "" {
		return WatchHandle{}, fmt.Errorf("watch: empty issue key")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return WatchHandle{}, ErrStopped
	}

	issue, ok := p.issues[issueKey]
	if !ok {
		issue = &trackedIssue{key: issueKey}
		p.issues[issueKey] = issue
	}

	p.nextID++
	w := watcher{id: p.nextID, onChange: onChange, onRemoved: onRemoved}

	issue.mu.Lock()
	issue.watchers = append(issue.watchers, w)
	issue.mu.Unlock()

	return WatchHandle{IssueKey: issueKey, id: w.id}, nil
}

// Unwatch drops one registration. The issue stops being polled once its last
// watcher is gone. It reports whether the handle was still registered.
func (p *Poller) Unwatch(h WatchHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	issue, ok := p.issues[h.IssueKey]
	if !ok {
		return false
	}

	issue.mu.Lock()
	defer issue.mu.Unlock()

	idx := -1
	for i, w := range issue.watchers {
		if w.id == h.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	issue.watchers = append(issue.watchers[:idx:idx], issue.watchers[idx+1:]...)
	if len(issue.watchers) == 0 {
		issue.untracked = true
		delete(p.issues, h.IssueKey)
	}
	return true
}

// Tracked returns the keys currently under surveillance.
func (p *Poller) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.issues))
	for k := range p.issues {
		keys = append(keys, k)
	}
	return keys
}

// LastKnown returns the last snapshot read for issueKey, if any.
func (p *Poller) LastKnown(issueKey string) (model.StateSnapshot, bool) {
	p.mu.Lock()
	issue, ok := p.issues[issueKey]
	p.mu.Unlock()
	if !ok {
		return model.StateSnapshot{}, false
	}
	issue.mu.Lock()
	defer issue.mu.Unlock()
	return issue.last, issue.hasState
}

// Run polls every Interval until Stop is called or ctx is done. The first
// cycle runs immediately so baselines are in place one interval earlier.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	p.running = true
	p.mu.Unlock()
	defer close(p.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "issuesync.poller"})
	release := context.AfterFunc(ctx, p.cancelRun)
	defer release()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency)

	for {
		p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			slog.InfoContext(ctx, "poller stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one cycle: every tracked issue is read once, at most
// Concurrency at a time. A slow or failing issue does not hold back others.
func (p *Poller) PollOnce(ctx context.Context) CycleResult {
	p.mu.Lock()
	issues := make([]*trackedIssue, 0, len(p.issues))
	for _, issue := range p.issues {
		issues = append(issues, issue)
	}
	p.mu.Unlock()

	outcomes := make([]outcome, len(issues))

	g := &errgroup.Group{}
	g.SetLimit(p.cfg.Concurrency)
	for i, issue := range issues {
		g.Go(func() error {
			outcomes[i] = p.poll(ctx, issue)
			return nil
		})
	}
	_ = g.Wait()

	var res CycleResult
	for _, o := range outcomes {
		switch o {
		case outcomeUnchanged:
			res.Unchanged++
		case outcomeChanged:
			res.Changed++
		case outcomeError:
			res.Errors++
		case outcomeRemoved:
			res.Removed++
		}
		if o != outcomeSkipped {
			res.Polled++
		}
	}

	if res.Polled > 0 {
		slog.DebugContext(ctx, "poll cycle complete",
			"polled", res.Polled,
			"changed", res.Changed,
			"errors", res.Errors,
			"removed", res.Removed)
	}
	if p.cfg.OnCycle != nil {
		p.cfg.OnCycle(res)
	}
	return res
}

func (p *Poller) poll(ctx context.Context, issue *trackedIssue) outcome {
	if ctx.Err() != nil || p.runCtx.Err() != nil {
		return outcomeSkipped
	}

	issue.mu.Lock()
	if issue.untracked || issue.state == statePolling {
		issue.mu.Unlock()
		return outcomeSkipped
	}
	issue.state = statePolling
	issue.mu.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{IssueKey: logger.Ptr(issue.key)})
	snapshot, err := p.read(ctx, issue.key)

	issue.mu.Lock()
	issue.state = stateIdle
	if issue.untracked {
		issue.mu.Unlock()
		return outcomeSkipped
	}

	if err != nil {
		issue.mu.Unlock()
		if ctx.Err() != nil || p.runCtx.Err() != nil {
			return outcomeSkipped
		}
		kind, reason := tracker.Classify(err)
		if kind == backoff.Permanent {
			p.remove(ctx, issue, reason)
			return outcomeRemoved
		}
		slog.WarnContext(ctx, "transient error reading issue state, keeping last known state", "reason", reason)
		return outcomeError
	}

	if !issue.hasState {
		issue.last = snapshot
		issue.hasState = true
		issue.mu.Unlock()
		slog.DebugContext(ctx, "baseline state recorded", "status", snapshot.Status, "revision", snapshot.Revision)
		return outcomeUnchanged
	}
	if issue.last.Equal(snapshot) {
		issue.mu.Unlock()
		return outcomeUnchanged
	}

	previous := issue.last
	issue.last = snapshot
	watchers := append([]watcher(nil), issue.watchers...)
	issue.mu.Unlock()

	slog.InfoContext(ctx, "issue state changed",
		"previous_status", previous.Status,
		"status", snapshot.Status,
		"revision", snapshot.Revision,
		"watchers", len(watchers))

	for _, w := range watchers {
		if w.onChange != nil {
			notify(ctx, func() { w.onChange(issue.key, snapshot) })
		}
	}
	return outcomeChanged
}

// read performs one ReadState call that also ends when the poller stops. A
// panicking client counts as a transient error: the issue itself is not at fault.
func (p *Poller) read(ctx context.Context, issueKey string) (snapshot model.StateSnapshot, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.runCtx, cancel)
	defer stop()

	sc := logger.StartSpan(ctx, "poller.read_state", trace.WithSpanKind(trace.SpanKindClient))
	defer sc.End()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in state read", "panic", r)
			err = tracker.TransientError(fmt.Sprintf("tracker client panic: %v", r), nil)
		}
		if err != nil {
			sc.RecordError(err)
		} else {
			sc.SetAttributes(attribute.String("issuesync.status", snapshot.Status))
		}
	}()

	return p.reader.ReadState(sc.Context(), issueKey)
}

func (p *Poller) remove(ctx context.Context, issue *trackedIssue, reason string) {
	p.mu.Lock()
	if p.issues[issue.key] == issue {
		delete(p.issues, issue.key)
	}
	issue.mu.Lock()
	issue.untracked = true
	watchers := append([]watcher(nil), issue.watchers...)
	issue.mu.Unlock()
	p.mu.Unlock()

	slog.WarnContext(ctx, "issue removed from surveillance", "reason", reason, "watchers", len(watchers))

	for _, w := range watchers {
		if w.onRemoved != nil {
			notify(ctx, func() { w.onRemoved(issue.key, reason) })
		}
	}
}

// notify runs one watcher callback; a panicking watcher does not stop the
// others from being notified.
func notify(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in watcher callback", "panic", r)
		}
	}()
	fn()
}

// Stop cancels outstanding reads, ends the loop and forgets every tracked
// issue. Watchers are not notified of removal on shutdown.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	running := p.running
	close(p.stopCh)
	p.cancelRun()
	p.mu.Unlock()

	if running {
		<-p.stoppedCh
	}

	p.mu.Lock()
	for key, issue := range p.issues {
		issue.mu.Lock()
		issue.untracked = true
		issue.mu.Unlock()
		delete(p.issues, key)
	}
	p.mu.Unlock()
}
