package cookie

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached cookie's payload.
type Entry struct {
	Data     any
	IssuedAt time.Time
}

// PutResult says what Put found under the key it wrote.
type PutResult uint8

const (
	// PutAdded means the key was not held.
	PutAdded PutResult = iota
	// PutReplaced means a live entry was overwritten.
	PutReplaced
	// PutRenewed means the key had expired in the backend but was still
	// counted by the store, so the write reuses its slot.
	PutRenewed
)

// Store abstracts where live cookies are kept so several engine instances
// can share one rendezvous view.
type Store interface {
	// Put inserts or overwrites key and reports what it found there.
	Put(ctx context.Context, key Key, e Entry) (PutResult, error)
	// Take removes and returns key.
	Take(ctx context.Context, key Key) (Entry, bool, error)
	// Peek returns key without removing it.
	Peek(ctx context.Context, key Key) (Entry, bool, error)
	// Sweep removes entries issued before cutoff, and any the backend already
	// expired, and returns how many.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}

// MemoryStore is the default process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]Entry)}
}

func (m *MemoryStore) Put(_ context.Context, key Key, e Entry) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.entries[key]
	m.entries[key] = e
	if exists {
		return PutReplaced, nil
	}
	return PutAdded, nil
}

func (m *MemoryStore) Take(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	delete(m.entries, key)
	return e, ok, nil
}

func (m *MemoryStore) Peek(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.IssuedAt.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}
