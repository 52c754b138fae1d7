package dmos

import (
	"dmos/internal/kern"
)

// stackAlign is the native word size the declared stack is rounded up to.
// Rounding is always up so a byte-denominated request never under-provisions.
const stackAlign = 8

// ThreadState is the fixed introspection enumeration the native scheduler
// states are mapped onto.
type ThreadState int

const (
	ThreadRunning ThreadState = iota
	ThreadReady
	ThreadBlocked
	ThreadSuspended
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadReady:
		return "ready"
	case ThreadBlocked:
		return "blocked"
	case ThreadSuspended:
		return "suspended"
	case ThreadTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ThreadInfo is a point-in-time introspection snapshot of one thread.
type ThreadInfo struct {
	// StackTotal is the declared stack size in bytes, 0 when unknown.
	StackTotal int
	// StackCurrent is the instantaneous stack usage. Not obtainable from a
	// foreign context; always reported as 0.
	StackCurrent int
	// StackPeak is the peak usage derived from the stack high-water mark.
	StackPeak int
	// State is the scheduler state at sampling time.
	State ThreadState
	// CPUUsage is this thread's share of the accumulated run-time of all
	// threads, as a percentage clamped to [0,100].
	CPUUsage float64
	// RuntimeMillis is the accumulated run-time of this thread.
	RuntimeMillis uint64
}

// Thread is the stable, queryable handle for one schedulable execution
// context. It outlives the native task it wraps: after the task has
// terminated the handle still answers join, name and introspection queries.
//
// All mutable fields are guarded by the registry mutex.
type Thread struct {
	task      *kern.Task
	entry     func(arg any)
	arg       any
	completed bool
	joined    bool
	joiner    *kern.Task
	process   *Process
	stackSize int
}

// Create spawns a new thread running entry(arg) and returns its handle.
// proc selects the owning process; nil attributes the thread to the
// caller's current process. The declared stack size is rounded up to the
// native word size.
func Create(entry func(arg any), arg any, priority, stackSize int, name string, proc *Process) (*Thread, error) {
	r, err := getRegistry()
	if err != nil {
		return nil, err
	}
	if entry == nil || stackSize <= 0 || name == "" {
		return nil, ErrInvalidArgument
	}

	if proc == nil {
		proc = r.currentProcess()
	}

	rounded := (stackSize + stackAlign - 1) &^ (stackAlign - 1)
	th := &Thread{
		entry:     entry,
		arg:       arg,
		process:   proc,
		stackSize: rounded,
	}

	task, err := r.kernel.Spawn(name, priority, rounded, func(task *kern.Task) {
		r.mu.Lock()
		if th.task == nil {
			th.task = task
		}
		r.mu.Unlock()

		// Bind the handle into the task-local slot before the entry runs
		// so Current resolves correctly from the first instruction.
		task.SetTLS(th)

		defer r.finishThread(th, task)
		th.entry(th.arg)
	})
	if err != nil {
		// Nothing to unwind: the handle has not been published anywhere.
		return nil, ErrFault
	}

	r.mu.Lock()
	if th.task == nil {
		th.task = task
	}
	if proc.state == ProcessCreated {
		proc.state = ProcessRunning
	}
	r.mu.Unlock()

	r.tlog.Trace().Str("name", name).Int("priority", priority).
		Int("stack_bytes", rounded).Uint64("pid", proc.PID()).
		Msg("thread created")
	return th, nil
}

// finishThread is the tail of the spawn trampoline: it flags completion,
// captures the registered joiner, clears the task-local binding, and sends
// the wake notification outside the critical section. It also runs, via
// defer, when the entry is cut short by a self-kill.
func (r *registry) finishThread(th *Thread, task *kern.Task) {
	r.mu.Lock()
	already := th.completed
	th.completed = true
	joiner := th.joiner
	r.mu.Unlock()

	if already {
		// A kill or destroy got here first and has already notified the
		// joiner.
		return
	}

	// Clear the task-local slot before the task retires so enumeration
	// stops returning a handle for a vanishing task.
	task.SetTLS(nil)

	if joiner != nil {
		joiner.NotifyGive()
	}
}

// Destroy releases the handle. A still-running thread (other than the
// calling context) is forcibly terminated first. Destroying the handle of
// the calling context never terminates it. No-op on nil.
func (t *Thread) Destroy() {
	if t == nil {
		return
	}
	r := global.Load()
	if r == nil {
		return
	}
	cur, _ := r.kernel.Current()

	r.mu.Lock()
	completed := t.completed
	task := t.task
	joiner := t.joiner
	t.completed = true
	r.mu.Unlock()

	if !completed && joiner != nil {
		// Completion was flagged here, so the trampoline tail will skip its
		// own wake. The joiner must be notified on this path.
		joiner.NotifyGive()
	}

	if task == nil {
		return
	}

	// Unbind the task-local slot while the task is still live so no stale
	// back-reference survives the handle.
	if bound, _ := task.TLS().(*Thread); bound == t && task.State() != kern.StateDeleted {
		task.SetTLS(nil)
	}

	if !completed && task != cur {
		task.Terminate()
		r.tlog.Trace().Int64("goid", task.Goid()).Str("name", task.Name()).
			Msg("running thread terminated on destroy")
	}
}

// Join blocks until the thread has completed, then marks it joined.
// Fails with ErrAlreadyJoined when the handle was already joined and with
// ErrBusy when another context is already waiting. There is no timeout
// variant: once registered, the caller blocks until completion.
func (t *Thread) Join() error {
	if t == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}
	self := r.currentTask()

	r.mu.Lock()
	if t.joined {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	if t.joiner != nil {
		r.mu.Unlock()
		return ErrBusy
	}
	already := t.completed
	if !already {
		t.joiner = self
	}
	r.mu.Unlock()

	if !already {
		// The slot is surrendered on every exit path, including the waiter
		// being terminated mid-wait, so a later join is never shut out by a
		// dead waiter.
		defer func() {
			r.mu.Lock()
			if t.joiner == self {
				t.joiner = nil
			}
			r.mu.Unlock()
		}()

		// Re-check the flag after every wake: the one-shot notification
		// coalesces, so a wake by itself proves nothing.
		for {
			if err := self.NotifyTake(-1); err != nil {
				return kernWaitErr(err)
			}
			r.mu.Lock()
			done := t.completed
			r.mu.Unlock()
			if done {
				break
			}
		}
	}

	r.mu.Lock()
	t.joined = true
	r.mu.Unlock()
	return nil
}

// Kill marks the thread completed, wakes any joiner, and forcibly
// terminates the native task: the victim exits at its next suspension
// point without resuming the entry body, with its deferred cleanup intact.
// When the target is the calling context the call does not return. The
// status value is accepted for API parity but is not retrievable by other
// contexts.
func (t *Thread) Kill(status int) error {
	if t == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}
	_ = status

	cur, _ := r.kernel.Current()

	// Completion is flagged before the task is terminated so a racing
	// join observes it correctly.
	r.mu.Lock()
	t.completed = true
	joiner := t.joiner
	task := t.task
	r.mu.Unlock()

	if joiner != nil {
		joiner.NotifyGive()
	}

	if task != nil && task != cur {
		task.Terminate()
		r.tlog.Trace().Int64("goid", task.Goid()).Str("name", task.Name()).
			Msg("thread killed")
	} else if task != nil {
		// Self-kill: terminate last; does not return.
		task.ExitSelf()
	}
	return nil
}

// Current returns the handle of the calling context, lazily registering
// one for contexts that were not created through Create (the bootstrap
// context or raw goroutines). Returns nil when the backend is not
// initialized.
func Current() *Thread {
	r := global.Load()
	if r == nil {
		return nil
	}
	return r.currentThread()
}

func (r *registry) currentThread() *Thread {
	task, ok := r.kernel.Current()
	if !ok {
		task = r.kernel.Adopt("external", 0)
	}
	if th, _ := task.TLS().(*Thread); th != nil {
		return th
	}

	// Lazy registration. During the init window the fallback process is
	// used directly, so resolving the current process cannot recurse back
	// into this lookup.
	r.mu.Lock()
	proc := r.initProcess
	r.mu.Unlock()
	if proc == nil {
		proc = r.currentProcess()
	}

	th := &Thread{
		task:      task,
		process:   proc,
		stackSize: task.StackBytes(),
		// No entry: this context was not created through this API and has
		// no completion to wait for.
		completed: true,
	}
	task.SetTLS(th)

	r.tlog.Trace().Int64("goid", task.Goid()).Uint64("pid", proc.PID()).
		Msg("external context registered")
	return th
}

// currentTask resolves the calling goroutine's kernel task, adopting it
// when it is not yet known.
func (r *registry) currentTask() *kern.Task {
	if task, ok := r.kernel.Current(); ok {
		return task
	}
	return r.kernel.Adopt("external", 0)
}

// Sleep suspends the calling context for ms milliseconds, at least one
// scheduler tick when nonzero. A zero sleep only yields. A context
// terminated while sleeping does not resume.
func Sleep(ms uint32) {
	r := global.Load()
	if r == nil {
		return
	}
	_ = r.currentTask().Sleep(ms)
}

// orCurrent maps a nil handle to the calling context's handle.
func orCurrent(t *Thread) *Thread {
	if t != nil {
		return t
	}
	return Current()
}

// Name returns the thread's name as recorded by the native task. A nil
// receiver means the calling context.
func (t *Thread) Name() string {
	t = orCurrent(t)
	if t == nil || t.task == nil {
		return ""
	}
	return t.task.Name()
}

// Priority returns the thread's scheduler priority, 0 when unavailable.
// A nil receiver means the calling context.
func (t *Thread) Priority() int {
	t = orCurrent(t)
	if t == nil || t.task == nil {
		return 0
	}
	return t.task.Priority()
}

// Process returns the process the thread belongs to. A nil receiver means
// the calling context.
func (t *Thread) Process() *Process {
	t = orCurrent(t)
	if t == nil {
		return nil
	}
	r := global.Load()
	if r == nil {
		return t.process
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.process
}

// ModuleName returns the name of the thread's owning process. Collaborators
// use it to tag resources by origin. A nil receiver means the calling
// context.
func (t *Thread) ModuleName() string {
	p := t.Process()
	if p == nil {
		return ""
	}
	return p.Name()
}

// Threads enumerates every live thread handle. When out is nil the total
// count is returned; otherwise up to len(out) handles are written and the
// number written is returned. The snapshot is best-effort: threads may
// appear or vanish around the call.
func Threads(out []*Thread) int {
	return enumerateThreads(nil, out)
}

// ThreadsByProcess is Threads filtered by owning process.
func ThreadsByProcess(proc *Process, out []*Thread) int {
	return enumerateThreads(proc, out)
}

func enumerateThreads(proc *Process, out []*Thread) int {
	r := global.Load()
	if r == nil {
		return 0
	}

	count := 0
	for _, task := range r.kernel.Snapshot() {
		th, _ := task.TLS().(*Thread)
		if th == nil {
			continue
		}
		if proc != nil && th.process != proc {
			continue
		}
		if out != nil && count < len(out) {
			out[count] = th
		}
		count++
	}

	if out != nil && count > len(out) {
		return len(out)
	}
	return count
}

// Info returns an introspection snapshot for the thread. A nil receiver
// means the calling context. Fully terminated threads report zeroed usage
// and ThreadTerminated.
func (t *Thread) Info() (ThreadInfo, error) {
	r, err := getRegistry()
	if err != nil {
		return ThreadInfo{}, err
	}
	t = orCurrent(t)
	if t == nil {
		return ThreadInfo{}, ErrFault
	}

	r.mu.Lock()
	task := t.task
	completed := t.completed
	hasEntry := t.entry != nil
	total := t.stackSize
	r.mu.Unlock()

	// A thread is fully terminated when its native task is gone or when a
	// created thread has completed. Lazily registered contexts carry
	// completed=true from birth but are still alive.
	if task == nil || (hasEntry && completed) || task.State() == kern.StateDeleted {
		return ThreadInfo{
			StackTotal: total,
			State:      ThreadTerminated,
		}, nil
	}

	info := ThreadInfo{
		StackTotal: total,
		State:      mapTaskState(task.State()),
	}

	// Peak usage from the high-water mark: declared total minus the
	// minimum free estimate, clamped at zero when the total is unknown.
	if total > 0 {
		peak := total - int(task.MinFreeBytes())
		if peak < 0 {
			peak = 0
		}
		info.StackPeak = peak
	}

	runNanos := task.RunNanos()
	info.RuntimeMillis = uint64(runNanos / 1e6)

	// Clamp: the task counter and the global counter are read at slightly
	// different instants, which can push the raw ratio past 100%.
	if totalRun := r.kernel.TotalRunNanos(); totalRun > 0 {
		usage := float64(runNanos) / float64(totalRun) * 100
		if usage > 100 {
			usage = 100
		}
		info.CPUUsage = usage
	}

	return info, nil
}

func mapTaskState(s kern.State) ThreadState {
	switch s {
	case kern.StateRunning:
		return ThreadRunning
	case kern.StateReady:
		return ThreadReady
	case kern.StateBlocked:
		return ThreadBlocked
	case kern.StateSuspended:
		return ThreadSuspended
	default:
		return ThreadTerminated
	}
}
