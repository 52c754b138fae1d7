package dmos

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerOneShot(t *testing.T) {
	initBackend(t)

	var fired atomic.Int32
	tm, err := NewTimer("oneshot", 50, false, func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	defer tm.Destroy()

	if tm.IsActive() {
		t.Error("Timer active before Start")
	}
	if err := tm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !tm.IsActive() {
		t.Error("Timer not active after Start")
	}

	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("Expected exactly one firing, got %d", got)
	}
	if tm.IsActive() {
		t.Error("One-shot timer still active after firing")
	}
}

func TestTimerAutoReload(t *testing.T) {
	initBackend(t)

	var fired atomic.Int32
	tm, err := NewTimer("periodic", 30, true, func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	defer tm.Destroy()

	if err := tm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := tm.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got := fired.Load()
	if got < 3 {
		t.Errorf("Expected at least 3 periodic firings, got %d", got)
	}

	// No further firings after stop.
	time.Sleep(100 * time.Millisecond)
	if after := fired.Load(); after > got+1 {
		t.Errorf("Timer kept firing after Stop: %d -> %d", got, after)
	}
}

func TestTimerStopBeforeExpiry(t *testing.T) {
	initBackend(t)

	var fired atomic.Int32
	tm, err := NewTimer("cancelled", 100, false, func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	defer tm.Destroy()

	if err := tm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tm.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("Stopped timer fired %d times", got)
	}
}

func TestTimerSetPeriod(t *testing.T) {
	initBackend(t)

	tm, err := NewTimer("tunable", 500, false, func() {})
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	defer tm.Destroy()

	if err := tm.SetPeriod(20); err != nil {
		t.Fatalf("SetPeriod failed: %v", err)
	}
	if tm.Period() != 20 {
		t.Errorf("Expected period 20, got %d", tm.Period())
	}
	if err := tm.SetPeriod(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for zero period, got %v", err)
	}
}

func TestTimerInvalidArguments(t *testing.T) {
	initBackend(t)

	if _, err := NewTimer("bad", 0, false, func() {}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for zero period, got %v", err)
	}
	if _, err := NewTimer("bad", 10, false, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for nil callback, got %v", err)
	}
}

func TestTimerDestroyed(t *testing.T) {
	initBackend(t)

	tm, err := NewTimer("gone", 10, true, func() {})
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	tm.Destroy()

	if err := tm.Start(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument starting destroyed timer, got %v", err)
	}
	if tm.IsActive() {
		t.Error("Destroyed timer reports active")
	}
	tm.Destroy() // double destroy is harmless
}
