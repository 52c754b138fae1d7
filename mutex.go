package dmos

import (
	"sync/atomic"
	"time"
)

// Mutex is an ownership-tracked lock, optionally recursive. Ownership is
// recorded by goroutine id so a non-owner unlock can be rejected rather
// than silently corrupting the lock state.
type Mutex struct {
	recursive bool
	sem       chan struct{} // cap 1; holding the token means holding the lock
	done      chan struct{}
	destroyed atomic.Bool

	owner atomic.Int64 // goid of the holder, 0 when unlocked
	depth int          // recursion depth; written only by the holder
}

// NewMutex creates a mutex. When recursive is true the owning context may
// re-lock it, and must unlock as many times as it locked.
func NewMutex(recursive bool) (*Mutex, error) {
	if _, err := getRegistry(); err != nil {
		return nil, err
	}
	return &Mutex{
		recursive: recursive,
		sem:       make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Destroy invalidates the mutex and releases anyone blocked in Lock with
// ErrFault. Double destroy is harmless.
func (m *Mutex) Destroy() {
	if m == nil {
		return
	}
	if m.destroyed.CompareAndSwap(false, true) {
		close(m.done)
	}
}

// Lock acquires the mutex per the timeout convention: 0 is a non-blocking
// attempt, negative waits forever, positive is milliseconds rounded up to
// at least one tick. A recursive re-lock by the owner always succeeds
// immediately.
func (m *Mutex) Lock(timeoutMs int32) error {
	if m == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}
	if m.destroyed.Load() {
		return ErrInvalidArgument
	}
	task := r.currentTask()
	self := task.Goid()

	if m.recursive && m.owner.Load() == self {
		m.depth++
		return nil
	}

	if timeoutMs == 0 {
		select {
		case m.sem <- struct{}{}:
		case <-m.done:
			return ErrFault
		default:
			return ErrWouldBlock
		}
	} else if timeoutMs < 0 {
		select {
		case m.sem <- struct{}{}:
		case <-m.done:
			return ErrFault
		case <-task.Stopped():
			// A terminated waiter never resumes; ExitSelf does not return.
			task.ExitSelf()
			return ErrFault
		}
	} else {
		timer := time.NewTimer(r.kernel.BoundedTimeout(timeoutMs))
		defer timer.Stop()
		select {
		case m.sem <- struct{}{}:
		case <-timer.C:
			return ErrTimedOut
		case <-m.done:
			return ErrFault
		case <-task.Stopped():
			task.ExitSelf()
			return ErrFault
		}
	}

	m.owner.Store(self)
	m.depth = 1
	return nil
}

// Unlock releases the mutex. Only the owning context may unlock; anyone
// else gets ErrNotOwner. A recursive mutex is released only when the depth
// returns to zero.
func (m *Mutex) Unlock() error {
	if m == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}
	if m.destroyed.Load() {
		return ErrInvalidArgument
	}
	self := r.currentTask().Goid()

	if m.owner.Load() != self {
		return ErrNotOwner
	}

	m.depth--
	if m.depth > 0 {
		return nil
	}

	m.owner.Store(0)
	<-m.sem
	return nil
}
