package backoff

import (
	"sync"
	"time"
)

// Entry is the attempt history of one key.
type Entry struct {
	Failures int
	Last     time.Time
}

// Store holds attempt histories. Implementations need not be safe for concurrent use;
// InMemoryFilter serializes access.
type Store interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
	Delete(key string)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	m map[string]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{m: map[string]Entry{}} }

func (s *MemoryStore) Get(key string) (Entry, bool) {
	e, ok := s.m[key]
	return e, ok
}

func (s *MemoryStore) Put(key string, e Entry) { s.m[key] = e }

func (s *MemoryStore) Delete(key string) { delete(s.m, key) }

// InMemoryFilter gates retries using a transient Store. Used for best-effort jobs where
// losing history on restart is acceptable.
type InMemoryFilter struct {
	mu       sync.Mutex
	store    Store
	minDelta time.Duration
	maxDelta time.Duration
}

// NewInMemoryFilter constructs a filter over store.
func NewInMemoryFilter(store Store, minDelta, maxDelta time.Duration) *InMemoryFilter {
	return &InMemoryFilter{store: store, minDelta: minDelta, maxDelta: maxDelta}
}

// ShouldAttempt reports whether key may be retried at now.
func (f *InMemoryFilter) ShouldAttempt(key string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.store.Get(key)
	if !ok {
		return true
	}
	return Eligible(f.minDelta, f.maxDelta, e.Failures, e.Last, now)
}

// Failed records a failed attempt at now.
func (f *InMemoryFilter) Failed(key string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, _ := f.store.Get(key)
	e.Failures++
	e.Last = now
	f.store.Put(key, e)
}

// Success clears the history of key.
func (f *InMemoryFilter) Success(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store.Delete(key)
}
