package dmos

import (
	"sync"
	"time"
)

// Timer is a software timer that invokes a callback after its period
// elapses, either once or repeatedly. Callbacks run on a background
// context, not on the context that armed the timer; a callback that calls
// back into this package is registered lazily like any external context.
type Timer struct {
	name string
	fn   func()

	mu         sync.Mutex
	periodMs   uint32
	autoReload bool
	active     bool
	destroyed  bool

	// gen invalidates callbacks from a superseded arming: every Start,
	// Stop, Reset and SetPeriod bumps it, and a firing compares the
	// generation it was armed with.
	gen   uint64
	inner *time.Timer
}

// NewTimer creates a stopped software timer. periodMs must be nonzero; it
// is rounded up to at least one scheduler tick. With autoReload the timer
// re-arms itself after every expiry until stopped.
func NewTimer(name string, periodMs uint32, autoReload bool, fn func()) (*Timer, error) {
	if _, err := getRegistry(); err != nil {
		return nil, err
	}
	if periodMs == 0 || fn == nil {
		return nil, ErrInvalidArgument
	}
	return &Timer{
		name:       name,
		fn:         fn,
		periodMs:   periodMs,
		autoReload: autoReload,
	}, nil
}

// Start arms the timer for a full period from now. Starting an already
// running timer restarts it.
func (t *Timer) Start() error {
	if t == nil {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrInvalidArgument
	}
	t.armLocked(r)
	return nil
}

// armLocked (re)schedules the next expiry. Caller holds t.mu.
func (t *Timer) armLocked(r *registry) {
	t.gen++
	gen := t.gen
	t.active = true

	period := r.kernel.BoundedTimeout(int32(t.periodMs))
	if t.inner != nil {
		t.inner.Stop()
	}
	t.inner = time.AfterFunc(period, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.destroyed || !t.active || gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.autoReload {
		if r := global.Load(); r != nil {
			t.armLocked(r)
		} else {
			t.active = false
		}
	} else {
		t.active = false
	}
	fn := t.fn
	t.mu.Unlock()

	// Outside the lock: the callback may start, stop or reconfigure this
	// very timer.
	fn()
}

// Stop disarms the timer. A callback already past its generation check may
// still complete; no new firing is scheduled. Stopping a stopped timer is
// a no-op.
func (t *Timer) Stop() error {
	if t == nil {
		return ErrInvalidArgument
	}
	if _, err := getRegistry(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrInvalidArgument
	}
	t.gen++
	t.active = false
	if t.inner != nil {
		t.inner.Stop()
	}
	return nil
}

// Reset restarts the timer with a full period from now, arming it if it
// was stopped.
func (t *Timer) Reset() error {
	return t.Start()
}

// SetPeriod changes the period. A running timer is restarted with the new
// period.
func (t *Timer) SetPeriod(periodMs uint32) error {
	if t == nil || periodMs == 0 {
		return ErrInvalidArgument
	}
	r, err := getRegistry()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrInvalidArgument
	}
	t.periodMs = periodMs
	if t.active {
		t.armLocked(r)
	}
	return nil
}

// IsActive reports whether the timer is armed.
func (t *Timer) IsActive() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && !t.destroyed
}

// Name returns the timer's name.
func (t *Timer) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Period returns the configured period in milliseconds.
func (t *Timer) Period() uint32 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.periodMs
}

// Destroy disarms and invalidates the timer. Double destroy is harmless.
func (t *Timer) Destroy() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.active = false
	t.destroyed = true
	if t.inner != nil {
		t.inner.Stop()
	}
}
