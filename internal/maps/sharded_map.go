package maps

import (
	"sync"

	"golang.org/x/exp/constraints"
)

// shardCount must stay a power of two so the shard index reduces to a mask.
const shardCount = 64

type shard[K constraints.Integer, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap is a lock-striped ConcurrentMap. Integer keys hash by masking,
// which is good enough here: goroutine ids and pids are assigned densely.
type ShardedMap[K constraints.Integer, V any] struct {
	shards [shardCount]shard[K, V]
}

// NewShardedMap creates and initializes a new ShardedMap.
func NewShardedMap[K constraints.Integer, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	return &m.shards[uint64(key)&(shardCount-1)]
}

func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.m[key]
	return val, ok
}

func (m *ShardedMap[K, V]) Store(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	s.m[key] = value
}

func (m *ShardedMap[K, V]) Delete(key K) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	delete(s.m, key)
}

func (m *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return val, ok
}

func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	val, ok := s.m[key]
	s.RUnlock()
	if ok {
		return val, true
	}
	s.Lock()
	defer s.Unlock()
	// Re-check under the write lock; another goroutine may have won the race.
	if val, ok = s.m[key]; ok {
		return val, true
	}
	val = valueFactory()
	s.m[key] = val
	return val, false
}

func (m *ShardedMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.m[key]
	newVal, keep := updateFunc(val, ok)
	if keep {
		s.m[key] = newVal
	} else if ok {
		delete(s.m, key)
	}
}

// Range iterates shard by shard. Entries stored while the iteration is in
// flight may or may not be visited.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		keys := make([]K, 0, len(s.m))
		for k := range s.m {
			keys = append(keys, k)
		}
		s.RUnlock()
		for _, k := range keys {
			if v, ok := m.Load(k); ok {
				if !f(k, v) {
					return
				}
			}
		}
	}
}
