package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryStore created without an explicit limit.
const DefaultMaxEntries = 100000

// MemoryStore implements Store in process memory. Entries expire after
// their TTL and, when the store is full, the least recently written entry
// is evicted first. With a uniform TTL that is also the entry closest to
// expiry.
type MemoryStore struct {
	maxEntries int
	now        func() time.Time

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
	closed   bool

	cleanup *time.Ticker
	done    chan struct{}
}

type memoryEntry struct {
	key       string
	bucket    Bucket
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries caps the number of live keys.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an in-memory store that sweeps expired entries
// every cleanupInterval. A non-positive interval disables the sweeper;
// expired entries are then only dropped on access or eviction.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cleanupInterval > 0 {
		s.cleanup = time.NewTicker(cleanupInterval)
		go s.cleanupLoop()
	}

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return Bucket{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Bucket{}, ErrStoreClosed
	}

	elem, ok := s.items[key]
	if !ok {
		return Bucket{}, &ErrKeyNotFound{Key: key}
	}

	e := elem.Value.(*memoryEntry)
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.removeElement(elem)
		return Bucket{}, &ErrKeyNotFound{Key: key}
	}

	return e.bucket, nil
}

// Set implements Store. A non-positive ttl stores the entry without expiry.
func (s *MemoryStore) Set(ctx context.Context, key string, bucket Bucket, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*memoryEntry)
		e.bucket = bucket
		e.expiresAt = expiresAt
		s.eviction.MoveToFront(elem)
		return nil
	}

	s.items[key] = s.eviction.PushFront(&memoryEntry{
		key:       key,
		bucket:    bucket,
		expiresAt: expiresAt,
	})

	for s.eviction.Len() > s.maxEntries {
		s.removeElement(s.eviction.Back())
	}

	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eviction.Len()
}

// Close stops the sweeper and drops all entries. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cleanup != nil {
		s.cleanup.Stop()
	}
	close(s.done)

	s.items = make(map[string]*list.Element)
	s.eviction.Init()

	return nil
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.CleanupExpired()
		case <-s.done:
			return
		}
	}
}

// CleanupExpired removes every expired entry and returns how many were removed.
func (s *MemoryStore) CleanupExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*memoryEntry)
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			s.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// removeElement must be called with s.mu held.
func (s *MemoryStore) removeElement(elem *list.Element) {
	e := elem.Value.(*memoryEntry)
	delete(s.items, e.key)
	s.eviction.Remove(elem)
}
