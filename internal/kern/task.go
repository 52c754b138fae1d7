package kern

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/phuslu/log"
)

type atomicCounter = atomic.Int64

// State is the scheduler state of a task, mirroring the native enumeration.
type State int32

const (
	StateRunning State = iota
	StateReady
	StateBlocked
	StateSuspended
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateBlocked:
		return "blocked"
	case StateSuspended:
		return "suspended"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Wait outcomes for the blocking primitives.
var (
	// ErrWouldBlock reports that a non-blocking attempt (timeout 0) found
	// nothing to take.
	ErrWouldBlock = errors.New("kern: would block")
	// ErrTimeout reports that a bounded wait expired.
	ErrTimeout = errors.New("kern: wait timed out")
	// ErrStopped marks the stop branches of the blocking primitives. It is
	// never observed by a live caller: a task terminated while blocked
	// exits at the suspension point instead of resuming.
	ErrStopped = errors.New("kern: task stopped")
)

// tlsSlot wraps the stored value so atomic.Value always sees one concrete
// type even when callers store values of different dynamic types.
type tlsSlot struct{ v any }

// Task is one schedulable execution context: a goroutine registered in the
// kernel side table. The notification slot is a one-slot binary signal (a
// give while the slot is full coalesces), and the stop channel is the
// cooperative replacement for forcible deletion.
type Task struct {
	k *Kernel

	goid     int64
	name     string
	priority atomic.Int32
	external bool

	// stackBytes is the declared stack size; 0 when unknown (adopted tasks).
	stackBytes int
	baseSP     uintptr
	// minFreeBytes tracks the smallest free-stack estimate ever sampled,
	// the high-water mark peak usage is derived from.
	minFreeBytes atomic.Int64

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	state atomic.Int32
	tls   atomic.Value // tlsSlot

	// Run-time accounting: segStart marks the start of the current running
	// segment, flushed into runNanos at every suspension point.
	segStart atomic.Int64
	runNanos atomic.Int64
}

func newTask(k *Kernel, name string, priority int, stackBytes int, external bool) *Task {
	t := &Task{
		k:          k,
		name:       name,
		stackBytes: stackBytes,
		external:   external,
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	t.priority.Store(int32(priority))
	t.minFreeBytes.Store(int64(stackBytes))
	t.state.Store(int32(StateRunning))
	t.tls.Store(tlsSlot{})
	return t
}

// bind captures the goroutine identity and stack base. Must run as the
// first statements on the task's own goroutine.
func (t *Task) bind() {
	t.goid = log.Goid()
	t.baseSP = currentSP()
	t.segStart.Store(time.Now().UnixNano())
}

// Goid returns the task's goroutine id.
func (t *Task) Goid() int64 { return t.goid }

// Name returns the task name recorded at spawn.
func (t *Task) Name() string { return t.name }

// External reports whether the task was adopted rather than spawned.
func (t *Task) External() bool { return t.external }

// StackBytes returns the declared stack size, 0 when unknown.
func (t *Task) StackBytes() int { return t.stackBytes }

// Priority returns the recorded priority. The Go scheduler does not honor
// priorities; the value is carried for API parity and introspection.
func (t *Task) Priority() int { return int(t.priority.Load()) }

// SetPriority records a new priority.
func (t *Task) SetPriority(p int) { t.priority.Store(int32(p)) }

// State returns the task's scheduler state.
func (t *Task) State() State { return State(t.state.Load()) }

// Stopped exposes the stop channel for callers that build their own
// select-based waits on top of the kernel.
func (t *Task) Stopped() <-chan struct{} { return t.stop }

// SetTLS binds a value into the task-local slot.
func (t *Task) SetTLS(v any) { t.tls.Store(tlsSlot{v: v}) }

// TLS returns the value bound into the task-local slot, or nil.
func (t *Task) TLS() any {
	slot, _ := t.tls.Load().(tlsSlot)
	return slot.v
}

// RunNanos returns the accumulated run-time of this task.
func (t *Task) RunNanos() int64 { return t.runNanos.Load() }

// Terminate signals the task to stop and removes it from the side table, the
// closest portable analogue of deleting a native task: the goroutine
// unblocks from any kernel wait and exits at its next suspension point.
// Safe to call from any goroutine and idempotent.
func (t *Task) Terminate() {
	t.stopOnce.Do(func() {
		t.state.Store(int32(StateDeleted))
		close(t.stop)
	})
	t.k.deregister(t)
}

// ExitSelf terminates the calling goroutine immediately. Deferred cleanup,
// including the spawn trampoline's completion handling, still runs. Must
// only be called on the task's own goroutine; it does not return.
func (t *Task) ExitSelf() {
	t.Terminate()
	runtime.Goexit()
}

// NotifyGive delivers the one-shot notification. A give while the slot is
// already full coalesces, matching the binary semantics of the native
// primitive.
func (t *Task) NotifyGive() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// NotifyTake consumes the task's notification slot. Timeout convention:
// 0 is a non-blocking attempt (ErrWouldBlock on failure), negative waits
// indefinitely, positive is milliseconds rounded up to at least one tick
// (ErrTimeout on expiry). A task terminated while waiting does not resume:
// the goroutine exits at the suspension point with its deferred cleanup
// intact. Must be called on the task's own goroutine.
func (t *Task) NotifyTake(timeoutMs int32) error {
	if timeoutMs == 0 {
		select {
		case <-t.notify:
			return nil
		default:
			return ErrWouldBlock
		}
	}

	t.beginWait()
	defer t.endWait()

	if timeoutMs < 0 {
		select {
		case <-t.notify:
			return nil
		case <-t.stop:
			return t.exitStopped()
		}
	}

	timer := time.NewTimer(t.k.BoundedTimeout(timeoutMs))
	defer timer.Stop()
	select {
	case <-t.notify:
		return nil
	case <-t.stop:
		return t.exitStopped()
	case <-timer.C:
		return ErrTimeout
	}
}

// Sleep suspends the task for ms milliseconds, at least one tick when ms is
// nonzero. A zero sleep only yields. A task terminated while sleeping does
// not resume; its goroutine exits at the suspension point.
func (t *Task) Sleep(ms uint32) error {
	if ms == 0 {
		runtime.Gosched()
		return nil
	}

	t.beginWait()
	defer t.endWait()

	timer := time.NewTimer(t.k.BoundedTimeout(int32(ms)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.stop:
		return t.exitStopped()
	}
}

// exitStopped ends the calling goroutine: a deleted task must never resume
// from a suspension point. Deferred cleanup, including the spawn
// trampoline's completion handling, still runs. The return value only
// satisfies the callers' error tails and is never produced.
func (t *Task) exitStopped() error {
	runtime.Goexit()
	return ErrStopped
}

// BoundedTimeout converts a positive millisecond timeout to a duration of
// at least one scheduler tick, so a nonzero timeout never collapses to a
// zero wait.
func (k *Kernel) BoundedTimeout(ms int32) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < k.tickPeriod {
		d = k.tickPeriod
	}
	return d
}

// beginWait flushes the running segment, samples the stack high-water
// estimate, and marks the task blocked. Paired with endWait around every
// suspension point on the task's own goroutine.
func (t *Task) beginWait() {
	t.flushRuntime()
	t.sampleStack()
	t.state.CompareAndSwap(int32(StateRunning), int32(StateBlocked))
}

func (t *Task) endWait() {
	t.segStart.Store(time.Now().UnixNano())
	t.state.CompareAndSwap(int32(StateBlocked), int32(StateRunning))
}

// flushRuntime accumulates the current running segment into the task and
// kernel counters.
func (t *Task) flushRuntime() {
	now := time.Now().UnixNano()
	start := t.segStart.Swap(now)
	if start == 0 || now <= start {
		return
	}
	delta := now - start
	t.runNanos.Add(delta)
	t.k.totalRunNanos.Add(delta)
}

// sampleStack updates the minimum-free estimate from the current stack
// pointer. The estimate is approximate: Go may move or grow the stack, so
// samples outside the original span are discarded. Foreign contexts cannot
// be sampled at all, which is why instantaneous usage is reported as
// unavailable.
func (t *Task) sampleStack() {
	if t.stackBytes <= 0 || t.baseSP == 0 {
		return
	}
	sp := currentSP()
	if sp >= t.baseSP {
		return
	}
	used := int64(t.baseSP - sp)
	if used > int64(t.stackBytes) {
		used = int64(t.stackBytes)
	}
	free := int64(t.stackBytes) - used
	for {
		cur := t.minFreeBytes.Load()
		if free >= cur || t.minFreeBytes.CompareAndSwap(cur, free) {
			return
		}
	}
}

// MinFreeBytes returns the stack high-water mark: the smallest free-stack
// estimate ever sampled. Equals the declared size when never sampled.
func (t *Task) MinFreeBytes() int64 { return t.minFreeBytes.Load() }

// currentSP approximates the goroutine stack pointer by taking the address
// of a local.
func currentSP() uintptr {
	var probe byte
	return uintptr(unsafe.Pointer(&probe))
}
