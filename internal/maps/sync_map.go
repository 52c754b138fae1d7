package maps

import (
	"sync"

	"golang.org/x/exp/constraints"
)

// StdSyncMap adapts the standard library's sync.Map to the ConcurrentMap
// interface. Kept as the zero-dependency fallback backend.
type StdSyncMap[K constraints.Integer, V any] struct {
	m  sync.Map
	mu sync.Mutex // serializes Update, which sync.Map cannot express atomically
}

// NewStdSyncMap creates a new StdSyncMap.
func NewStdSyncMap[K constraints.Integer, V any]() ConcurrentMap[K, V] {
	return &StdSyncMap[K, V]{}
}

func (m *StdSyncMap[K, V]) Load(key K) (V, bool) {
	v, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (m *StdSyncMap[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

func (m *StdSyncMap[K, V]) Delete(key K) {
	m.m.Delete(key)
}

func (m *StdSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	v, ok := m.m.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// LoadOrStore runs the factory eagerly; sync.Map has no compute-if-absent.
// The discarded value is acceptable because the factories used by the kernel
// allocate plain records with no external side effects.
func (m *StdSyncMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	v, loaded := m.m.LoadOrStore(key, valueFactory())
	return v.(V), loaded
}

func (m *StdSyncMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.Load(key)
	newVal, keep := updateFunc(val, ok)
	if keep {
		m.m.Store(key, newVal)
	} else if ok {
		m.m.Delete(key)
	}
}

func (m *StdSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}
