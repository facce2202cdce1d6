package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by the end-to-end test harness
// and local dry runs. Same upsert-by-key semantics as the Snowflake
// store, without the database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record

	// SaveHook, when set, runs before each save and may fail it.
	// Tests use it to simulate persistence failures and crashes.
	SaveHook func(key Key, waterlevel int64) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

func (m *MemoryStore) LoadAll(ctx context.Context, namespace, hub string, target Target) (map[string]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record)
	for k, rec := range m.records {
		if k.Namespace == namespace && k.Hub == hub &&
			k.TargetDB == target.DB && k.TargetSchema == target.Schema && k.TargetTable == target.Table {
			out[k.PartitionID] = rec
		}
	}
	return out, nil
}

func (m *MemoryStore) Save(ctx context.Context, key Key, waterlevel int64, metadata map[string]interface{}) error {
	if hook := m.SaveHook; hook != nil {
		if err := hook(key, waterlevel); err != nil {
			return &PersistError{Key: key, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = Record{
		Waterlevel: waterlevel,
		Metadata:   metadata,
		TSInserted: time.Now(),
	}
	return nil
}

func (m *MemoryStore) EnsureTable(ctx context.Context) error { return nil }

// Get returns the record for key, for test assertions.
func (m *MemoryStore) Get(key Key) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}
