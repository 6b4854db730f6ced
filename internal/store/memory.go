package store

import (
	"bytes"
	"context"
	"sync"

	"job-processing-core/internal/errs"
)

// MemoryStore keeps all namespaces in process memory. Values are copied on the
// way in and out so callers never share buffers with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return clone(v), nil
}

func (m *MemoryStore) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(namespace)[key] = clone(value)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *MemoryStore) GetAll(_ context.Context, namespace string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data[namespace]))
	for k, v := range m.data[namespace] {
		out[k] = clone(v)
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, namespace, key string, old, new []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(namespace)
	cur, exists := b[key]
	if old == nil {
		if exists {
			return false, nil
		}
	} else if !exists || !bytes.Equal(cur, old) {
		return false, nil
	}
	b[key] = clone(new)
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, namespace, key string, old []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.data[namespace][key]
	if !exists || !bytes.Equal(cur, old) {
		return false, nil
	}
	delete(m.data[namespace], key)
	return true, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) bucket(namespace string) map[string][]byte {
	b, ok := m.data[namespace]
	if !ok {
		b = make(map[string][]byte)
		m.data[namespace] = b
	}
	return b
}

func clone(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return append([]byte(nil), v...)
}
