package dmos

import (
	"sync/atomic"
	"time"
)

// Semaphore is a counting semaphore with a fixed maximum count. Tokens are
// carried by a buffered channel, so waiters queue in the runtime rather
// than spinning.
type Semaphore struct {
	tokens    chan struct{}
	done      chan struct{}
	destroyed atomic.Bool
}

// NewSemaphore creates a counting semaphore. maxCount must be nonzero and
// initialCount must not exceed it.
func NewSemaphore(initialCount, maxCount uint32) (*Semaphore, error) {
	if _, err := getRegistry(); err != nil {
		return nil, err
	}
	if maxCount == 0 || initialCount > maxCount {
		return nil, ErrInvalidArgument
	}

	s := &Semaphore{
		tokens: make(chan struct{}, maxCount),
		done:   make(chan struct{}),
	}
	for i := uint32(0); i < initialCount; i++ {
		s.tokens <- struct{}{}
	}
	return s, nil
}

// Destroy invalidates the semaphore and releases anyone blocked in Wait
// with ErrFault. Double destroy is harmless.
func (s *Semaphore) Destroy() {
	if s == nil {
		return
	}
	if s.destroyed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Wait decrements the count, blocking per the timeout convention: 0 is a
// non-blocking attempt (ErrWouldBlock on failure), negative waits forever,
// positive is milliseconds rounded up to at least one tick (ErrTimedOut on
// expiry).
func (s *Semaphore) Wait(timeoutMs int32) error {
	if s == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}
	if s.destroyed.Load() {
		return ErrInvalidArgument
	}
	task := r.currentTask()

	if timeoutMs == 0 {
		select {
		case <-s.tokens:
			return nil
		case <-s.done:
			return ErrFault
		default:
			return ErrWouldBlock
		}
	}

	if timeoutMs < 0 {
		select {
		case <-s.tokens:
			return nil
		case <-s.done:
			return ErrFault
		case <-task.Stopped():
			// A terminated waiter never resumes; ExitSelf does not return.
			task.ExitSelf()
			return ErrFault
		}
	}

	timer := time.NewTimer(r.kernel.BoundedTimeout(timeoutMs))
	defer timer.Stop()
	select {
	case <-s.tokens:
		return nil
	case <-timer.C:
		return ErrTimedOut
	case <-s.done:
		return ErrFault
	case <-task.Stopped():
		task.ExitSelf()
		return ErrFault
	}
}

// Post increments the count, waking one waiter. Fails with ErrOverflow
// when the count is already at its maximum.
func (s *Semaphore) Post() error {
	if s == nil {
		return ErrInvalidArgument
	}
	if _, err := getRegistry(); err != nil {
		return err
	}
	if s.destroyed.Load() {
		return ErrInvalidArgument
	}

	select {
	case s.tokens <- struct{}{}:
		return nil
	default:
		return ErrOverflow
	}
}
