package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is an in-process Cache bounded by an LRU. The mutex makes
// read-compare-write sequences atomic; the LRU handles eviction.
type Memory struct {
	mu  sync.Mutex
	lru *lru.Cache[string, Entry]
	now func() time.Time
}

// NewMemory creates a cache holding at most size entries.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: c, now: time.Now}, nil
}

// WithClock replaces the time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(m.now()) {
		m.lru.Remove(key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *Memory) CompareAndSet(_ context.Context, key string, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.lru.Peek(key); ok && !cur.Expired(m.now()) && cur.Version >= e.Version {
		return false, nil
	}
	m.lru.Add(key, e)
	return true, nil
}

func (m *Memory) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.lru.Peek(key); ok && !cur.Expired(now) {
		return false, nil
	}
	e := Entry{Version: now.UnixNano()}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	m.lru.Add(key, e)
	return true, nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int { return m.lru.Len() }
