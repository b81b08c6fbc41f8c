// Package dedup records which activities already produced a remote effect so a
// resubmitted activity id never causes a second tracker call.
package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"basegraph.app/issuesync/internal/model"
)

// CheckResult is what Check observed for an activity id.
type CheckResult int

const (
	New CheckResult = iota
	AlreadyPending
	AlreadyCommitted
	AlreadyFailed
)

func (r CheckResult) String() string {
	switch r {
	case New:
		return "new"
	case AlreadyPending:
		return "already_pending"
	case AlreadyCommitted:
		return "already_committed"
	case AlreadyFailed:
		return "already_failed"
	}
	return "unknown"
}

// Store persists terminal dedup records across restarts.
type Store interface {
	Load(ctx context.Context) ([]model.DedupRecord, error)
	Save(ctx context.Context, records []model.DedupRecord) error
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[string]model.DedupRecord
}

// Deduplicator owns the activity id -> record map. Locking is per shard so
// unrelated ids never contend on one mutex.
type Deduplicator struct {
	now    func() time.Time
	shards [shardCount]*shard
}

func NewDeduplicator() *Deduplicator {
	d := &Deduplicator{now: time.Now}
	for i := range d.shards {
		d.shards[i] = &shard{records: make(map[string]model.DedupRecord)}
	}
	return d
}

// WithClock swaps the time source; used by retention tests.
func (d *Deduplicator) WithClock(now func() time.Time) *Deduplicator {
	d.now = now
	return d
}

func (d *Deduplicator) shardFor(activityID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(activityID))
	return d.shards[h.Sum32()%shardCount]
}

// Check is the single gate before a tracker call. An unknown id is atomically
// recorded as pending and reported New; every concurrent caller for the same
// id after that observes AlreadyPending. The returned record is a copy.
func (d *Deduplicator) Check(activityID string) (CheckResult, model.DedupRecord) {
	s := d.shardFor(activityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[activityID]
	if !ok {
		rec = model.DedupRecord{
			ActivityID: activityID,
			Status:     model.DedupStatusPending,
			UpdatedAt:  d.now(),
		}
		s.records[activityID] = rec
		return New, rec
	}

	switch rec.Status {
	case model.DedupStatusCommitted:
		return AlreadyCommitted, rec
	case model.DedupStatusFailed:
		return AlreadyFailed, rec
	default:
		return AlreadyPending, rec
	}
}

// Peek returns the record without changing state.
func (d *Deduplicator) Peek(activityID string) (model.DedupRecord, bool) {
	s := d.shardFor(activityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[activityID]
	return rec, ok
}

// MarkPending records an in-flight attempt. A committed record is left alone.
func (d *Deduplicator) MarkPending(activityID string) {
	d.update(activityID, func(rec *model.DedupRecord) bool {
		if rec.Status == model.DedupStatusCommitted {
			return false
		}
		rec.Status = model.DedupStatusPending
		rec.Reason = ""
		return true
	})
}

// MarkCommitted records a confirmed remote effect. Committed is final.
func (d *Deduplicator) MarkCommitted(activityID, remoteID string) {
	d.update(activityID, func(rec *model.DedupRecord) bool {
		if rec.Status == model.DedupStatusCommitted {
			return false
		}
		rec.Status = model.DedupStatusCommitted
		rec.RemoteID = remoteID
		rec.Reason = ""
		return true
	})
}

// MarkFailed records a terminal failure. A committed record is never downgraded.
func (d *Deduplicator) MarkFailed(activityID, reason string) {
	d.update(activityID, func(rec *model.DedupRecord) bool {
		if rec.Status == model.DedupStatusCommitted {
			return false
		}
		rec.Status = model.DedupStatusFailed
		rec.Reason = reason
		return true
	})
}

// Release forgets a pending record so the id can be dispatched again. Used
// when an attempt chain is cancelled by shutdown before reaching the tracker.
func (d *Deduplicator) Release(activityID string) {
	s := d.shardFor(activityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[activityID]; ok && rec.Status == model.DedupStatusPending {
		delete(s.records, activityID)
	}
}

func (d *Deduplicator) update(activityID string, mutate func(rec *model.DedupRecord) bool) {
	s := d.shardFor(activityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[activityID]
	if !ok {
		rec = model.DedupRecord{ActivityID: activityID}
	}
	if mutate(&rec) {
		rec.UpdatedAt = d.now()
		s.records[activityID] = rec
	}
}

// Prune drops terminal records last updated before now-retention and returns
// how many were removed. Pending records are never pruned.
func (d *Deduplicator) Prune(retention time.Duration) int {
	cutoff := d.now().Add(-retention)
	removed := 0
	for _, s := range d.shards {
		s.mu.Lock()
		for id, rec := range s.records {
			if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
				delete(s.records, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Terminal returns a copy of all committed and failed records.
func (d *Deduplicator) Terminal() []model.DedupRecord {
	var out []model.DedupRecord
	for _, s := range d.shards {
		s.mu.Lock()
		for _, rec := range s.records {
			if rec.Status.Terminal() {
				out = append(out, rec)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Restore seeds terminal records, typically from Store.Load. Pending records
// are ignored because no attempt chain owns them in this process, and
// in-memory state always wins over the restored copy.
func (d *Deduplicator) Restore(records []model.DedupRecord) int {
	restored := 0
	for _, rec := range records {
		if rec.ActivityID == "" || !rec.Status.Terminal() {
			continue
		}
		s := d.shardFor(rec.ActivityID)
		s.mu.Lock()
		if _, exists := s.records[rec.ActivityID]; !exists {
			if rec.UpdatedAt.IsZero() {
				rec.UpdatedAt = d.now()
			}
			s.records[rec.ActivityID] = rec
			restored++
		}
		s.mu.Unlock()
	}
	return restored
}

// Len reports the number of tracked ids.
func (d *Deduplicator) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
