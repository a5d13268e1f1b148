package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/flowmill/flowmill/internal/domain"
	"github.com/flowmill/flowmill/internal/ports"
)

// MemoryStore implements ports.Storage entirely in memory with the same CAS
// semantics as BadgerStore. Tests and single-process embedders use it to
// avoid touching disk.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	seqs   map[string]uint64
	closed bool
}

type memoryEntry struct {
	value   []byte
	version int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryEntry),
		seqs: make(map[string]uint64),
	}
}

func (m *MemoryStore) Get(key string) ([]byte, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, 0, false, &domain.StorageError{Type: domain.ErrClosed, Message: "store is closed"}
	}

	entry, ok := m.data[key]
	if !ok {
		return nil, 0, false, nil
	}
	return append([]byte(nil), entry.value...), entry.version, true, nil
}

func (m *MemoryStore) Put(key string, value []byte, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "store is closed"}
	}

	current := m.data[key].version
	next := current + 1
	if version > 0 {
		if version != current+1 {
			return domain.NewVersionMismatchError(key, version-1, current)
		}
		next = version
	}

	m.data[key] = memoryEntry{
		value:   append([]byte(nil), value...),
		version: next,
	}
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(prefix string) ([]ports.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []ports.Entry
	for key, entry := range m.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entries = append(entries, ports.Entry{
			Key:     key,
			Value:   append([]byte(nil), entry.value...),
			Version: entry.version,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemoryStore) NextSequence(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[name]++
	return m.seqs[name], nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
