package dmos

import (
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO message queue. Items are delivered by value
// through a buffered channel, so a sender never observes mutation of an
// item already queued.
type Queue struct {
	items     chan any
	done      chan struct{}
	destroyed atomic.Bool
}

// NewQueue creates a queue holding up to length items.
func NewQueue(length uint32) (*Queue, error) {
	if _, err := getRegistry(); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, ErrInvalidArgument
	}
	return &Queue{
		items: make(chan any, length),
		done:  make(chan struct{}),
	}, nil
}

// Destroy invalidates the queue and releases blocked senders and receivers
// with ErrFault. Items still queued are dropped. Double destroy is
// harmless.
func (q *Queue) Destroy() {
	if q == nil {
		return
	}
	if q.destroyed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// Send enqueues an item, blocking per the timeout convention when the
// queue is full: 0 is a non-blocking attempt (ErrWouldBlock), negative
// waits forever, positive is milliseconds rounded up to at least one tick
// (ErrTimedOut).
func (q *Queue) Send(item any, timeoutMs int32) error {
	if q == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}
	if q.destroyed.Load() {
		return ErrInvalidArgument
	}
	task := r.currentTask()

	if timeoutMs == 0 {
		select {
		case q.items <- item:
			return nil
		case <-q.done:
			return ErrFault
		default:
			return ErrWouldBlock
		}
	}

	if timeoutMs < 0 {
		select {
		case q.items <- item:
			return nil
		case <-q.done:
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
	case q.items <- item:
		return nil
	case <-timer.C:
		return ErrTimedOut
	case <-q.done:
		return ErrFault
	case <-task.Stopped():
		task.ExitSelf()
		return ErrFault
	}
}

// Receive dequeues the oldest item, blocking per the timeout convention
// when the queue is empty.
func (q *Queue) Receive(timeoutMs int32) (any, error) {
	if q == nil {
		return nil, ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return nil, err
	}
	if q.destroyed.Load() {
		return nil, ErrInvalidArgument
	}
	task := r.currentTask()

	if timeoutMs == 0 {
		select {
		case item := <-q.items:
			return item, nil
		case <-q.done:
			return nil, ErrFault
		default:
			return nil, ErrWouldBlock
		}
	}

	if timeoutMs < 0 {
		select {
		case item := <-q.items:
			return item, nil
		case <-q.done:
			return nil, ErrFault
		case <-task.Stopped():
			task.ExitSelf()
			return nil, ErrFault
		}
	}

	timer := time.NewTimer(r.kernel.BoundedTimeout(timeoutMs))
	defer timer.Stop()
	select {
	case item := <-q.items:
		return item, nil
	case <-timer.C:
		return nil, ErrTimedOut
	case <-q.done:
		return nil, ErrFault
	case <-task.Stopped():
		task.ExitSelf()
		return nil, ErrFault
	}
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	if q == nil {
		return 0
	}
	return cap(q.items)
}
