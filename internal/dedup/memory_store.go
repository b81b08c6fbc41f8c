package dedup

import (
	"context"
	"slices"
	"sync"

	"basegraph.app/issuesync/internal/model"
)

// MemoryStore keeps the last saved record set in process. It gives tests and
// single-run deployments the Store contract without durability.
type MemoryStore struct {
	mu      sync.Mutex
	records []model.DedupRecord
	saves   int
}

func NewMemoryStore(seed ...model.DedupRecord) *MemoryStore {
	return &MemoryStore{records: slices.Clone(seed)}
}

func (m *MemoryStore) Load(_ context.Context) ([]model.DedupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records), nil
}

func (m *MemoryStore) Save(_ context.Context, records []model.DedupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = slices.Clone(records)
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
