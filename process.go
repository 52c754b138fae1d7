package dmos

import (
	"time"

	"dmos/internal/kern"
)

// ProcessState tracks a process container through its lifecycle. Transitions
// are monotonic: once Terminated, a process never regresses.
type ProcessState int

const (
	ProcessCreated ProcessState = iota
	ProcessRunning
	ProcessZombie
	ProcessTerminated
)

func (s ProcessState) String() string {
	switch s {
	case ProcessCreated:
		return "created"
	case ProcessRunning:
		return "running"
	case ProcessZombie:
		return "zombie"
	case ProcessTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Process is a lightweight named container grouping related threads. The
// scheduler itself has no process concept; this is a pure software overlay
// carrying identity metadata (pid, uid, working directory) and a terminal
// state observable through Wait.
//
// All mutable fields are guarded by the registry mutex.
type Process struct {
	name       string
	pid        uint64
	uid        uint32
	pwd        string
	state      ProcessState
	parent     *Process
	exitStatus int
	waiter     *kern.Task
}

// newProcess allocates a process container and assigns it the next pid.
// Caller must not hold r.mu.
func (r *registry) newProcess(name string, parent *Process) *Process {
	p := &Process{
		name:   name,
		pwd:    "/",
		state:  ProcessCreated,
		parent: parent,
	}

	r.mu.Lock()
	r.nextPID++
	p.pid = r.nextPID
	r.mu.Unlock()

	return p
}

// NewProcess creates a process container in the Created state. It moves to
// Running when its first thread starts. parent may be nil.
func NewProcess(name string, parent *Process) (*Process, error) {
	r, err := getRegistry()
	if err != nil {
		return nil, err
	}

	p := r.newProcess(name, parent)
	r.plog.Trace().Str("name", name).Uint64("pid", p.PID()).Msg("process created")
	return p, nil
}

// Destroy releases the process container. The caller is responsible for
// ensuring no threads still reference it. No-op on nil; double destroy is
// harmless.
func (p *Process) Destroy() {
	if p == nil {
		return
	}
	r := global.Load()
	if r == nil {
		return
	}
	r.mu.Lock()
	p.waiter = nil
	r.mu.Unlock()
}

// Kill marks the process Terminated with the given exit status and wakes
// the waiter, if any.
func (p *Process) Kill(status int) error {
	if p == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}

	r.mu.Lock()
	p.exitStatus = status
	p.state = ProcessTerminated
	waiter := p.waiter
	p.waiter = nil
	r.mu.Unlock()

	if waiter != nil {
		waiter.NotifyGive()
	}

	r.plog.Trace().Str("name", p.Name()).Uint64("pid", p.PID()).
		Int("status", status).Msg("process killed")
	return nil
}

// Wait blocks the caller until the process reaches a terminal state or the
// timeout expires. timeoutMs follows the layer-wide convention: 0 is a
// non-blocking poll (ErrWouldBlock when not terminated), negative waits
// forever, positive is milliseconds. At most one context may wait at a
// time; a second concurrent waiter gets ErrBusy.
func (p *Process) Wait(timeoutMs int32) error {
	if p == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}
	self := r.currentTask()

	r.mu.Lock()
	if p.terminalLocked() {
		r.mu.Unlock()
		return nil
	}
	if timeoutMs == 0 {
		r.mu.Unlock()
		return ErrWouldBlock
	}
	if p.waiter != nil {
		r.mu.Unlock()
		return ErrBusy
	}
	p.waiter = self
	r.mu.Unlock()

	// The slot is surrendered on every exit path, including the waiter being
	// terminated mid-wait, so a later waiter is never shut out by a dead one.
	defer func() {
		r.mu.Lock()
		if p.waiter == self {
			p.waiter = nil
		}
		r.mu.Unlock()
	}()

	var deadline time.Time
	if timeoutMs > 0 {
		deadline = time.Now().Add(r.kernel.BoundedTimeout(timeoutMs))
	}

	// The one-shot notification coalesces with unrelated gives to the same
	// task, so the state is re-checked after every wake.
	for {
		wait := int32(-1)
		if timeoutMs > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return p.waitOutcome(r)
			}
			wait = int32(remaining / time.Millisecond)
			if wait <= 0 {
				wait = 1
			}
		}

		if err := self.NotifyTake(wait); err != nil {
			if err == kern.ErrTimeout {
				return p.waitOutcome(r)
			}
			return kernWaitErr(err)
		}

		r.mu.Lock()
		if p.terminalLocked() {
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
	}
}

// waitOutcome resolves an expired wait: a terminal state reached during the
// race window counts as a normal completion.
func (p *Process) waitOutcome(r *registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.terminalLocked() {
		return nil
	}
	return ErrTimedOut
}

func (p *Process) terminalLocked() bool {
	return p.state == ProcessTerminated || p.state == ProcessZombie
}

// CurrentProcess returns the process associated with the calling context.
// Contexts whose thread handle carries no association resolve to the root
// process. Returns nil when the backend is not initialized.
func CurrentProcess() *Process {
	r := global.Load()
	if r == nil {
		return nil
	}
	return r.currentProcess()
}

func (r *registry) currentProcess() *Process {
	if task, ok := r.kernel.Current(); ok {
		if th, _ := task.TLS().(*Thread); th != nil {
			r.mu.Lock()
			proc := th.process
			r.mu.Unlock()
			if proc != nil {
				return proc
			}
		}
	}
	return r.rootProcess
}

// SetCurrentProcess re-associates the calling context's thread with p.
func SetCurrentProcess(p *Process) error {
	if p == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}

	th := r.currentThread()
	if th == nil {
		return ErrFault
	}

	r.mu.Lock()
	th.process = p
	r.mu.Unlock()
	return nil
}

// PID returns the process id, 0 on nil.
func (p *Process) PID() uint64 {
	if p == nil {
		return 0
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return p.pid
}

// SetPID overrides the assigned process id.
func (p *Process) SetPID(pid uint64) error {
	if p == nil {
		return ErrInvalidArgument
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		p.pid = pid
		r.mu.Unlock()
		return nil
	}
	p.pid = pid
	return nil
}

// Name returns the process name, empty on nil.
func (p *Process) Name() string {
	if p == nil {
		return ""
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return p.name
}

// UID returns the owning user id, 0 on nil.
func (p *Process) UID() uint32 {
	if p == nil {
		return 0
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return p.uid
}

// SetUID sets the owning user id.
func (p *Process) SetUID(uid uint32) error {
	if p == nil {
		return ErrInvalidArgument
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	p.uid = uid
	return nil
}

// Pwd returns the working directory, empty on nil.
func (p *Process) Pwd() string {
	if p == nil {
		return ""
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return p.pwd
}

// SetPwd sets the working directory.
func (p *Process) SetPwd(pwd string) error {
	if p == nil || pwd == "" {
		return ErrInvalidArgument
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	p.pwd = pwd
	return nil
}

// State returns the process state. A nil handle reports Terminated.
func (p *Process) State() ProcessState {
	if p == nil {
		return ProcessTerminated
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return p.state
}

// ExitStatus returns the status recorded by Kill, 0 before termination.
func (p *Process) ExitStatus() int {
	if p == nil {
		return 0
	}
	if r := global.Load(); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return p.exitStatus
}

// Parent returns the parent process, nil for the root.
func (p *Process) Parent() *Process {
	if p == nil {
		return nil
	}
	return p.parent
}

// FindProcessByName looks a process up by name. Only the root process is
// tracked for lookup; dynamically created processes are the caller's to
// keep.
func FindProcessByName(name string) *Process {
	r := global.Load()
	if r == nil || name == "" {
		return nil
	}
	if r.rootProcess != nil && r.rootProcess.Name() == name {
		return r.rootProcess
	}
	return nil
}

// FindProcessByID looks a process up by pid. Only the root process is
// tracked for lookup.
func FindProcessByID(pid uint64) *Process {
	r := global.Load()
	if r == nil {
		return nil
	}
	if r.rootProcess != nil && r.rootProcess.PID() == pid {
		return r.rootProcess
	}
	return nil
}
