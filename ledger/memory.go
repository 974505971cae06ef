package ledger

import "sync"

// MemoryLedger keeps the seen set in process memory only. It backs dry runs
// and tests.
type MemoryLedger struct {
	mu    sync.RWMutex
	ids   SeenSet
	saves int
}

func NewMemoryLedger(ids ...string) *MemoryLedger {
	return &MemoryLedger{ids: NewSeenSet(ids...)}
}

func (m *MemoryLedger) Load() (SeenSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(SeenSet, len(m.ids))
	cp.Merge(m.ids)
	return cp, nil
}

func (m *MemoryLedger) Save(ids SeenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = make(SeenSet, len(ids))
	m.ids.Merge(ids)
	m.saves++
	return nil
}

// Saves reports how often Save was called.
func (m *MemoryLedger) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryLedger) Close() error {
	return nil
}
