package maps

import (
	"sync"

	"github.com/cornelk/hashmap"

	"golang.org/x/exp/constraints"
)

// CornelkMap adapts cornelk/hashmap to the ConcurrentMap interface. The
// underlying map is lock-free for Load/Store/Delete; the operations it has no
// atomic primitive for are serialized with a small mutex instead of being
// emulated racily.
type CornelkMap[K constraints.Integer, V any] struct {
	m  *hashmap.Map[K, V]
	mu sync.Mutex
}

// NewCornelkMap creates a new CornelkMap.
func NewCornelkMap[K constraints.Integer, V any]() ConcurrentMap[K, V] {
	return &CornelkMap[K, V]{m: hashmap.New[K, V]()}
}

func (m *CornelkMap[K, V]) Load(key K) (V, bool) {
	return m.m.Get(key)
}

func (m *CornelkMap[K, V]) Store(key K, value V) {
	m.m.Set(key, value)
}

func (m *CornelkMap[K, V]) Delete(key K) {
	m.m.Del(key)
}

func (m *CornelkMap[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.m.Get(key)
	if ok {
		m.m.Del(key)
	}
	return val, ok
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.m.Get(key); ok {
		return val, true
	}
	val := valueFactory()
	m.m.Set(key, val)
	return val, false
}

func (m *CornelkMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.m.Get(key)
	newVal, keep := updateFunc(val, ok)
	if keep {
		m.m.Set(key, newVal)
	} else if ok {
		m.m.Del(key)
	}
}

func (m *CornelkMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(f)
}
