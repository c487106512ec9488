package flagstore

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is the volatile flavor: it survives navigation within one
// logical tab (process lifetime) but not a restart. It also backs unit tests
// for the durable flavors' callers.
type InMemoryStore struct {
	notifier
	mu    sync.RWMutex
	flags map[string]memoryFlag
}

type memoryFlag struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewInMemoryStore creates an empty volatile store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{flags: make(map[string]memoryFlag)}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	flag, ok := s.flags[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !flag.expiresAt.IsZero() && !flag.expiresAt.After(time.Now()) {
		// Lazy expiry; the next Set overwrites the stale entry anyway.
		s.mu.Lock()
		if current, still := s.flags[key]; still && current == flag {
			delete(s.flags, key)
		}
		s.mu.Unlock()
		return "", false, nil
	}
	return flag.value, true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	flag := memoryFlag{value: value}
	if ttl > 0 {
		flag.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.flags[key] = flag
	s.mu.Unlock()

	s.notify(Change{Key: key, Value: value, Present: true})
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.flags[key]
	delete(s.flags, key)
	s.mu.Unlock()

	if existed {
		s.notify(Change{Key: key, Present: false})
	}
	return nil
}

// Snapshot returns a copy of all live flags. Used by tests simulating a
// reload: a durable store round-trips, a volatile one starts empty.
func (s *InMemoryStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.flags))
	now := time.Now()
	for key, flag := range s.flags {
		if flag.expiresAt.IsZero() || flag.expiresAt.After(now) {
			out[key] = flag.value
		}
	}
	return out
}
