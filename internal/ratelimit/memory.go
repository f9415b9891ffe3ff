package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

type entry struct {
	state      State
	expireAtMs int64
}

type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

// MemoryStore is the in-process fast path: a sharded map whose per-shard
// mutex makes the load-step-store cycle atomic per key. Entries idle for
// twice their window are swept periodically.
type MemoryStore struct {
	step   Func
	shards [numShards]shard
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryStore creates a memory store running the given algorithm step.
// sweepInterval should be at least the largest configured window.
func NewMemoryStore(step Func, sweepInterval time.Duration) *MemoryStore {
	m := &MemoryStore{step: step, stop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i].items = make(map[string]*entry)
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	go m.sweep(sweepInterval)
	return m
}

func (m *MemoryStore) getShard(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

func (m *MemoryStore) CheckAndConsume(ctx context.Context, key string, limit Limit, nowMs int64) (Decision, error) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		e = &entry{}
		s.items[key] = e
	}

	decision, next := m.step(e.state, limit, nowMs)
	e.state = next
	e.expireAtMs = nowMs + 2*limit.Window.Milliseconds()
	return decision, nil
}

func (m *MemoryStore) Status(ctx context.Context, key string, limit Limit, nowMs int64) (Decision, error) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var state State
	if e, ok := s.items[key]; ok {
		state = e.state
	}
	decision, _ := m.step(state, limit, nowMs)
	// Status does not consume; report the pre-step availability.
	if decision.Allowed {
		decision.Remaining++
	}
	return decision, nil
}

// Close stops the sweeper.
func (m *MemoryStore) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			nowMs := time.Now().UnixMilli()
			for i := range m.shards {
				s := &m.shards[i]
				s.mu.Lock()
				for k, e := range s.items {
					if e.expireAtMs <= nowMs {
						delete(s.items, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
