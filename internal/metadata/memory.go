package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process Backend. Records are lost on Close.
type MemoryBackend struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*memRecord
}

type memRecord struct {
	value    []byte
	revision int64
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{partitions: make(map[string]map[string]*memRecord)}
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.partitions = make(map[string]map[string]*memRecord)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key Key) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.partitions[key.Partition][key.Sort]
	if !ok {
		return nil, ErrNotFound
	}
	return &Item{Key: key, Value: cloneBytes(rec.value), Revision: rec.revision}, nil
}

func (m *MemoryBackend) Put(ctx context.Context, key Key, value []byte, expect int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[key.Partition]
	if !ok {
		part = make(map[string]*memRecord)
		m.partitions[key.Partition] = part
	}
	cur, exists := part[key.Sort]
	if err := checkRevision(exists, revisionOf(cur), expect); err != nil {
		return 0, err
	}
	rev := int64(1)
	if exists {
		rev = cur.revision + 1
	}
	part[key.Sort] = &memRecord{value: cloneBytes(value), revision: rev}
	return rev, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key Key, expect int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	part := m.partitions[key.Partition]
	cur, exists := part[key.Sort]
	if !exists {
		return ErrNotFound
	}
	if expect > 0 && cur.revision != expect {
		return ErrConflict
	}
	delete(part, key.Sort)
	if len(part) == 0 {
		delete(m.partitions, key.Partition)
	}
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, partition, prefix, startAfter string, limit int) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	part := m.partitions[partition]
	sorts := make([]string, 0, len(part))
	for s := range part {
		if strings.HasPrefix(s, prefix) && s > startAfter {
			sorts = append(sorts, s)
		}
	}
	sort.Strings(sorts)
	if limit > 0 && len(sorts) > limit {
		sorts = sorts[:limit]
	}
	out := make([]Item, 0, len(sorts))
	for _, s := range sorts {
		rec := part[s]
		out = append(out, Item{
			Key:      Key{Partition: partition, Sort: s},
			Value:    cloneBytes(rec.value),
			Revision: rec.revision,
		})
	}
	return out, nil
}

func revisionOf(r *memRecord) int64 {
	if r == nil {
		return 0
	}
	return r.revision
}

// checkRevision applies the Put precondition rules to the current state of a
// record.
func checkRevision(exists bool, current, expect int64) error {
	switch {
	case expect == AnyRevision:
		return nil
	case expect == 0:
		if exists {
			return ErrConflict
		}
	default:
		if !exists || current != expect {
			return ErrConflict
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
