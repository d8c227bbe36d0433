package override

import "sync"

// Store persists the full override list. Implementations rewrite the whole
// document on every Save.
type Store interface {
	Load() ([]Override, error)
	Save([]Override) error
}

// MemoryStore keeps overrides in memory. It is used when no file is
// configured and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	items []Override
	Saves int
}

func (m *MemoryStore) Load() ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Override(nil), m.items...), nil
}

func (m *MemoryStore) Save(items []Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]Override(nil), items...)
	m.Saves++
	return nil
}
