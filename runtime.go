package dmos

import (
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"dmos/internal/kern"
	"dmos/internal/logger"
)

// RootProcessName is the name of the always-present system process created
// by Init.
const RootProcessName = "system"

// Options carries the backend tuning knobs. The zero value selects the
// defaults (1 kHz tick, snapshot margin of 4, unknown external stack size).
type Options struct {
	// TickRateHz is the scheduler tick frequency used for tick counts and
	// timeout rounding.
	TickRateHz int

	// SnapshotMargin is the extra capacity reserved when enumerating
	// threads, guarding against tasks spawned mid-enumeration.
	SnapshotMargin int

	// DefaultStackSize is the declared stack size attributed to externally
	// created contexts. 0 means unknown.
	DefaultStackSize int
}

// registry is the process-wide singleton holding all shared lifecycle
// state. Its mutex is the critical section of the whole layer: held only
// for short, bounded mutations, never across a blocking wait or an entry
// function call.
type registry struct {
	mu sync.Mutex

	kernel *kern.Kernel

	rootProcess *Process
	// initProcess is the fallback owner for lazily registered threads
	// during the init window, breaking the current-thread/current-process
	// circularity. Non-nil only between root-process creation and the end
	// of Init.
	initProcess *Process

	nextPID uint64 // guarded by mu; monotonically assigned

	tlog log.Logger
	plog log.Logger
}

var (
	// initMu serializes Init and Deinit against each other.
	initMu sync.Mutex

	// global is the active registry; nil when the backend is not
	// initialized.
	global atomic.Pointer[registry]
)

func getRegistry() (*registry, error) {
	r := global.Load()
	if r == nil {
		return nil, ErrNotInitialized
	}
	return r, nil
}

// Init bootstraps the backend: it creates the root "system" process,
// installs it as the fallback owner for lazy thread registration, registers
// the calling execution context in the thread registry, and clears the
// fallback. It must be called before any other API, from the context that
// is to act as the system's initial execution path.
//
// Init is strict: a second call without an intervening Deinit fails with
// ErrBusy and leaves the initialized state untouched.
func Init() error {
	return InitOptions(Options{})
}

// InitOptions is Init with explicit backend tuning.
func InitOptions(opts Options) error {
	initMu.Lock()
	defer initMu.Unlock()

	if global.Load() != nil {
		return ErrBusy
	}

	r := &registry{
		kernel: kern.New(kern.Config{
			TickRateHz:       opts.TickRateHz,
			SnapshotMargin:   opts.SnapshotMargin,
			DefaultStackSize: opts.DefaultStackSize,
		}, logger.New("kern")),
		tlog: logger.New("thread"),
		plog: logger.New("process"),
	}

	root := r.newProcess(RootProcessName, nil)
	root.state = ProcessRunning
	r.rootProcess = root

	// Two-phase bootstrap: with the fallback installed, the lazy
	// registration below attributes the calling context to the root
	// process without resolving current-process through current-thread.
	r.initProcess = root
	global.Store(r)

	// Adopt the bootstrap context under a recognizable name before the
	// lazy registration picks a generic one.
	r.kernel.Adopt("main", 0)

	if th := r.currentThread(); th == nil {
		global.Store(nil)
		return ErrFault
	}

	r.mu.Lock()
	r.initProcess = nil
	r.mu.Unlock()

	r.tlog.Debug().Str("root_process", RootProcessName).Msg("backend initialized")
	return nil
}

// Deinit tears the backend down: it unregisters the calling context's
// thread handle, destroys the root process, and discards the registry.
// Calling Deinit when not initialized is a no-op returning nil.
func Deinit() error {
	initMu.Lock()
	defer initMu.Unlock()

	r := global.Load()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	r.initProcess = nil
	r.mu.Unlock()

	if task, ok := r.kernel.Current(); ok {
		task.SetTLS(nil)
		r.kernel.Remove(task)
	}

	global.Store(nil)
	r.tlog.Debug().Msg("backend deinitialized")
	return nil
}
