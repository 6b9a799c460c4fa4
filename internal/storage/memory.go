// ABOUTME: In-memory Backend implementation, the default for tests and local runs
// ABOUTME: Process-local map guarded by a mutex; PutIfAbsent atomic under the lock

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is a process-local Backend. State is lost on restart.
// Values are kept in their marshaled form so reads observe the same JSON
// round-trip behavior as the SQL backends.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		buckets: make(map[string]map[string][]byte),
	}
}

// bucketLocked returns the named bucket, creating it if needed.
// Must be called with mu held for writing.
func (m *MemoryBackend) bucketLocked(bucket string) map[string][]byte {
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	return b
}

// Put stores rec, replacing any existing record.
func (m *MemoryBackend) Put(ctx context.Context, bucket, key string, rec Record) error {
	data, err := marshalValue(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketLocked(bucket)[key] = data
	return nil
}

// Get returns the record at (bucket, key), or ErrNotFound.
func (m *MemoryBackend) Get(ctx context.Context, bucket, key string) (Record, error) {
	m.mu.RLock()
	data, ok := m.buckets[bucket][key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshalValue(data)
}

// PutIfAbsent stores rec only when the key is vacant. The mutex makes the
// check-and-insert atomic within the process.
func (m *MemoryBackend) PutIfAbsent(ctx context.Context, bucket, key string, rec Record) (Record, bool, error) {
	data, err := marshalValue(rec)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketLocked(bucket)
	if existing, ok := b[key]; ok {
		stored, err := unmarshalValue(existing)
		return stored, false, err
	}
	b[key] = data
	stored, err := unmarshalValue(data)
	return stored, true, err
}

// Delete removes the record and reports whether it existed.
func (m *MemoryBackend) Delete(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return false, nil
	}
	if _, ok := b[key]; !ok {
		return false, nil
	}
	delete(b, key)
	return true, nil
}

// Keys lists keys with the given prefix, sorted ascending.
func (m *MemoryBackend) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.buckets[bucket] {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// Ensure MemoryBackend implements Backend.
var _ Backend = (*MemoryBackend)(nil)
