package dmos

import (
	"errors"

	"dmos/internal/kern"
)

// Error taxonomy. Every failure is reported through one of these sentinels
// (possibly wrapped); callers are expected to test with errors.Is.
var (
	// ErrInvalidArgument reports a nil handle, zero-sized, or otherwise
	// malformed input.
	ErrInvalidArgument = errors.New("dmos: invalid argument")

	// ErrBusy reports that a concurrency precondition is already held,
	// e.g. a second concurrent joiner or process waiter.
	ErrBusy = errors.New("dmos: busy")

	// ErrAlreadyJoined reports a join on a handle that was already joined.
	ErrAlreadyJoined = errors.New("dmos: thread already joined")

	// ErrWouldBlock reports that a non-blocking attempt (timeout 0) failed
	// immediately.
	ErrWouldBlock = errors.New("dmos: would block")

	// ErrTimedOut reports that a bounded wait expired.
	ErrTimedOut = errors.New("dmos: timed out")

	// ErrFault reports an internal allocation or native-primitive failure.
	ErrFault = errors.New("dmos: internal fault")

	// ErrOverflow reports that a bounded counting resource is at capacity.
	ErrOverflow = errors.New("dmos: overflow")

	// ErrNotOwner reports an unlock attempted by a context that does not
	// hold the mutex.
	ErrNotOwner = errors.New("dmos: mutex not owned by caller")

	// ErrNotInitialized reports an API call before Init (or after Deinit).
	ErrNotInitialized = errors.New("dmos: backend not initialized")
)

// kernWaitErr translates a kernel wait outcome into the public taxonomy.
func kernWaitErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kern.ErrWouldBlock):
		return ErrWouldBlock
	case errors.Is(err, kern.ErrTimeout):
		return ErrTimedOut
	default:
		return ErrFault
	}
}
