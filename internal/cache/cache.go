// Package cache stores agent results keyed by (agent, input fingerprint) so
// identical work across stories is performed once per TTL window.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// Key addresses a cached result.
type Key struct {
	Agent       string `json:"agent"`
	Fingerprint string `json:"fingerprint"`
}

func (k Key) String() string { return k.Agent + ":" + k.Fingerprint }

// KeyFor derives the cache key of a task.
func KeyFor(task core.Task) Key {
	return Key{Agent: task.Agent.ID, Fingerprint: task.Fingerprint}
}

// Entry is a stored result with its expiry.
type Entry struct {
	Key       Key              `json:"key"`
	Result    core.AgentResult `json:"result"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// ResultCache is the cache contract. Get never returns an expired entry; Put
// overwrites and a non-positive ttl is a no-op.
type ResultCache interface {
	Get(ctx context.Context, key Key) (core.AgentResult, bool, error)
	Put(ctx context.Context, key Key, result core.AgentResult, ttl time.Duration) error
	Invalidate(ctx context.Context, key Key) error
}

// Memory is an in-process ResultCache.
type Memory struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	now     func() time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory builds an empty in-memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{entries: make(map[Key]Entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get drops the entry when it has expired.
func (m *Memory) Get(_ context.Context, key Key) (core.AgentResult, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return core.AgentResult{}, false, nil
	}
	now := m.now()
	if now.Before(e.ExpiresAt) {
		return e.Result, true, nil
	}
	m.mu.Lock()
	// a concurrent Put may have replaced the entry since the read
	if cur, ok := m.entries[key]; ok && !now.Before(cur.ExpiresAt) {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	return core.AgentResult{}, false, nil
}

func (m *Memory) Put(_ context.Context, key Key, result core.AgentResult, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	m.entries[key] = Entry{Key: key, Result: result, ExpiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx ends.
func (m *Memory) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
