package dispatcher

import (
	"context"
	"sync"

	"basegraph.app/issuesync/internal/model"
)

// Handle resolves exactly once to the terminal outcome of a submitted activity.
type Handle struct {
	done       chan struct{}
	outcome    model.Outcome
	activityID string
	once       sync.Once
}

func newHandle(activityID string) *Handle {
	return &Handle{activityID: activityID, done: make(chan struct{})}
}

func (h *Handle) ActivityID() string {
	return h.activityID
}

// Done is closed once the outcome is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the outcome without blocking; ok is false while unresolved.
func (h *Handle) Outcome() (model.Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return model.Outcome{}, false
	}
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (model.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return model.Outcome{}, ctx.Err()
	}
}

func (h *Handle) resolve(o model.Outcome) bool {
	resolved := false
	h.once.Do(func() {
		o.ActivityID = h.activityID
		h.outcome = o
		close(h.done)
		resolved = true
	})
	return resolved
}
