package maps

import "golang.org/x/exp/constraints"

// mapImplementation selects the concurrent map backend used by the kernel's
// side tables. Valid options: "xsync", "sharded", "cornelk", "sync".
const mapImplementation = "xsync"

// ConcurrentMap is a generic, thread-safe map for integer keys. The kernel
// keys its side tables by goroutine id and process id, both integers, so the
// key type is constrained accordingly. The abstraction exists so the backend
// can be swapped without touching the registry code built on top of it.
type ConcurrentMap[K constraints.Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value for key when present; otherwise
	// it stores the factory's value and returns it. The boolean reports
	// whether the value was already present.
	LoadOrStore(key K, valueFactory func() V) (V, bool)
	// Update atomically rewrites the entry for key. The update function
	// receives the current value (zero value if absent) and returns the
	// replacement plus whether to keep the entry; keep=false deletes it.
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
}

// New returns the configured default concurrent map implementation.
func New[K constraints.Integer, V any]() ConcurrentMap[K, V] {
	switch mapImplementation {
	case "xsync":
		return NewXSyncMap[K, V]()
	case "sharded":
		return NewShardedMap[K, V]()
	case "cornelk":
		return NewCornelkMap[K, V]()
	case "sync":
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
