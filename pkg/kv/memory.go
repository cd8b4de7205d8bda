package kv

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments without Redis. Semantics match RedisStore at key granularity.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memEntry
	lists  map[string][]string
	// Closed and re-made on every list push so blocked poppers wake up.
	notify chan struct{}
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		lists:  make(map[string][]string),
		notify: make(chan struct{}),
	}
}

func (s *MemoryStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok || s.expired(e) {
		delete(s.values, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.values[key] = e
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.values[key]; ok && !s.expired(e) {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.values[key] = e
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.lists, k)
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == ErrNotFound {
		s.mu.Lock()
		_, isList := s.lists[key]
		s.mu.Unlock()
		return isList, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Counters are plain numeric-string values, as with Redis INCRBY, so
	// Get and Keys observe them like any other key.
	var cur int64
	e, ok := s.values[key]
	if ok && !s.expired(e) {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	} else {
		e = memEntry{}
	}
	cur += n
	s.values[key] = memEntry{value: strconv.FormatInt(cur, 10), expiresAt: e.expiresAt}
	return cur, nil
}

func (s *MemoryStore) LPush(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.lists[key] = append([]string{value}, s.lists[key]...)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if items := s.lists[key]; len(items) > 0 {
			last := items[len(items)-1]
			s.lists[key] = items[:len(items)-1]
			s.mu.Unlock()
			return last, nil
		}
		wake := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrNotFound
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return "", ErrNotFound
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, e := range s.values {
		if s.expired(e) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
