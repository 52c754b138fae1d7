// Package kern emulates the native task kernel the portable layer is built
// on: goroutine-backed tasks with an identity side table, per-task one-shot
// notifications, a stop signal observed at suspension points, tick-based
// time, and run-time/stack accounting for introspection.
//
// Go offers neither task-local storage nor forcible goroutine deletion, so
// task identity is tracked in a concurrent map keyed by goroutine id and
// termination is a cooperative stop signal that every blocking primitive in
// this module selects on.
package kern

import (
	"errors"
	"time"

	"github.com/phuslu/log"

	"dmos/internal/maps"
)

// Config carries the kernel tuning knobs resolved from the application
// configuration.
type Config struct {
	// TickRateHz is the scheduler tick frequency used for tick counts and
	// for rounding millisecond timeouts up to at least one tick.
	TickRateHz int

	// SnapshotMargin is the extra capacity added when pre-sizing a task
	// snapshot, guarding against tasks spawned between the size query and
	// the table walk.
	SnapshotMargin int

	// DefaultStackSize is the declared stack size attributed to adopted
	// (externally created) tasks. Zero means unknown.
	DefaultStackSize int
}

// DefaultConfig returns the kernel defaults: a 1 kHz tick and a snapshot
// margin of four tasks, mirroring the reference platform configuration.
func DefaultConfig() Config {
	return Config{
		TickRateHz:     1000,
		SnapshotMargin: 4,
	}
}

// ErrSpawn is returned when a native task could not be started.
var ErrSpawn = errors.New("kern: task spawn failed")

// Kernel owns the task side table and the global run-time counter. One
// Kernel exists per initialized backend; it is created by Init and discarded
// by Deinit.
type Kernel struct {
	tasks     maps.ConcurrentMap[int64, *Task]
	taskCount atomicCounter

	// totalRunNanos accumulates run-time across all tasks and is the
	// denominator for per-task CPU usage.
	totalRunNanos atomicCounter

	cfg        Config
	tickPeriod time.Duration
	epoch      time.Time

	log log.Logger
}

// New creates a kernel with the given configuration. Zero or negative
// tick rates fall back to the default 1 kHz.
func New(cfg Config, logger log.Logger) *Kernel {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = DefaultConfig().TickRateHz
	}
	if cfg.SnapshotMargin <= 0 {
		cfg.SnapshotMargin = DefaultConfig().SnapshotMargin
	}
	return &Kernel{
		tasks:      maps.New[int64, *Task](),
		cfg:        cfg,
		tickPeriod: time.Second / time.Duration(cfg.TickRateHz),
		epoch:      time.Now(),
		log:        logger,
	}
}

// TickPeriod returns the duration of one scheduler tick.
func (k *Kernel) TickPeriod() time.Duration {
	return k.tickPeriod
}

// TickCount returns the number of ticks elapsed since the kernel was
// created. The counter wraps at 32 bits like the native tick counter.
func (k *Kernel) TickCount() uint32 {
	return uint32(time.Since(k.epoch) / k.tickPeriod)
}

// UptimeMillis converts the tick counter to milliseconds.
func (k *Kernel) UptimeMillis() uint64 {
	return uint64(time.Since(k.epoch) / time.Millisecond)
}

// NumTasks returns the number of registered tasks.
func (k *Kernel) NumTasks() int {
	return int(k.taskCount.Load())
}

// TotalRunNanos returns the accumulated run-time across all tasks.
func (k *Kernel) TotalRunNanos() int64 {
	return k.totalRunNanos.Load()
}

// Spawn starts a new native task running fn. It does not return until the
// task is registered in the side table, so the caller can immediately
// resolve the returned record. fn runs on the new goroutine; when it
// returns (or the goroutine exits early) the task is retired.
func (k *Kernel) Spawn(name string, priority int, stackBytes int, fn func(t *Task)) (*Task, error) {
	if fn == nil {
		return nil, ErrSpawn
	}
	t := newTask(k, name, priority, stackBytes, false)

	ready := make(chan struct{})
	go func() {
		t.bind()
		k.register(t)
		close(ready)
		defer k.retire(t)
		fn(t)
	}()
	<-ready

	k.log.Trace().Int64("goid", t.goid).Str("name", name).
		Int("priority", priority).Int("stack_bytes", stackBytes).
		Msg("task spawned")
	return t, nil
}

// Current resolves the calling goroutine to its task record, if it has one.
func (k *Kernel) Current() (*Task, bool) {
	return k.tasks.Load(log.Goid())
}

// Adopt registers the calling goroutine as an externally created task. Used
// for the bootstrap context and for raw goroutines that call into the
// portable API. Returns the existing record when the goroutine is already
// registered.
func (k *Kernel) Adopt(name string, priority int) *Task {
	goid := log.Goid()
	t, loaded := k.tasks.LoadOrStore(goid, func() *Task {
		nt := newTask(k, name, priority, k.cfg.DefaultStackSize, true)
		nt.goid = goid
		nt.segStart.Store(time.Now().UnixNano())
		return nt
	})
	if !loaded {
		k.taskCount.Add(1)
		k.log.Trace().Int64("goid", goid).Str("name", name).Msg("external task adopted")
	}
	return t
}

// Remove drops a task record from the side table without signalling the
// goroutine. Used when the portable layer unregisters an adopted context.
func (k *Kernel) Remove(t *Task) {
	if t == nil {
		return
	}
	k.deregister(t)
}

// Snapshot returns the current task records. The slice is pre-sized with
// the configured margin because tasks may be spawned between the count
// query and the table walk; the result is best-effort and may be stale the
// moment it returns.
func (k *Kernel) Snapshot() []*Task {
	out := make([]*Task, 0, k.NumTasks()+k.cfg.SnapshotMargin)
	k.tasks.Range(func(_ int64, t *Task) bool {
		out = append(out, t)
		return true
	})
	return out
}

func (k *Kernel) register(t *Task) {
	k.tasks.Store(t.goid, t)
	k.taskCount.Add(1)
}

func (k *Kernel) deregister(t *Task) {
	// Only decrement when the entry was actually present; retire and
	// Terminate can both race to remove the same task.
	k.tasks.Update(t.goid, func(cur *Task, exists bool) (*Task, bool) {
		if exists && cur == t {
			k.taskCount.Add(-1)
			return nil, false
		}
		return cur, exists
	})
}

// retire flushes the task's final run-time segment, marks it deleted, and
// removes it from the side table. Runs via defer on the task goroutine so
// it also covers early exits through runtime.Goexit.
func (k *Kernel) retire(t *Task) {
	t.flushRuntime()
	t.state.Store(int32(StateDeleted))
	k.deregister(t)
	k.log.Trace().Int64("goid", t.goid).Str("name", t.name).Msg("task retired")
}
