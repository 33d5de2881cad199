package store

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// Entry is one key/value pair of a batch write.
type Entry struct {
	Key   string
	Value []byte
}

// Backend is raw key/blob persistence. Put applies entries in order; backends
// that can make the batch atomic do so.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(entries ...Entry) error
	Delete(key string) error
	// Keys returns every key with the given prefix, sorted.
	Keys(prefix string) ([]string, error)
	Close() error
}

// MemoryBackend keeps everything in a map.
type MemoryBackend struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{m: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return slices.Clone(v), ok, nil
}

func (b *MemoryBackend) Put(entries ...Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.m[e.Key] = slices.Clone(e.Value)
	}
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
	return nil
}

func (b *MemoryBackend) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, k := range slices.Sorted(maps.Keys(b.m)) {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)
