package dmos

import (
	"errors"
	"testing"
)

func TestInitDeinitCycle(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Strict mode: a second init without deinit is refused.
	if err := Init(); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy on double init, got %v", err)
	}

	if err := Deinit(); err != nil {
		t.Fatalf("Deinit failed: %v", err)
	}

	// Deinit is idempotent.
	if err := Deinit(); err != nil {
		t.Errorf("Second Deinit failed: %v", err)
	}

	// The cycle is repeatable.
	if err := Init(); err != nil {
		t.Fatalf("Re-init failed: %v", err)
	}
	if err := Deinit(); err != nil {
		t.Fatalf("Final Deinit failed: %v", err)
	}
}

func TestAPIBeforeInit(t *testing.T) {
	// No backend: every constructor fails uniformly, queries return zero
	// values.
	if _, err := Create(func(any) {}, nil, 1, 4096, "early", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized from Create, got %v", err)
	}
	if _, err := NewProcess("early", nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized from NewProcess, got %v", err)
	}
	if _, err := NewSemaphore(0, 1); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized from NewSemaphore, got %v", err)
	}
	if _, err := NewQueue(8); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized from NewQueue, got %v", err)
	}
	if Current() != nil {
		t.Error("Current should be nil before init")
	}
	if CurrentProcess() != nil {
		t.Error("CurrentProcess should be nil before init")
	}
	if Threads(nil) != 0 {
		t.Error("Threads should report 0 before init")
	}
	if TickCount() != 0 || UptimeMillis() != 0 {
		t.Error("Time queries should report 0 before init")
	}
}

func TestInitRegistersBootstrapContext(t *testing.T) {
	initBackend(t)

	// The calling context self-registered during Init: the very first
	// enumeration from this goroutine already includes it.
	th := Current()
	if th == nil {
		t.Fatal("Bootstrap context has no handle")
	}
	if th.Process() == nil || th.Process().Name() != RootProcessName {
		t.Error("Bootstrap context not attributed to the root process")
	}
}

func TestInitOptionsApplied(t *testing.T) {
	if err := InitOptions(Options{TickRateHz: 100}); err != nil {
		t.Fatalf("InitOptions failed: %v", err)
	}
	t.Cleanup(func() { Deinit() })

	// At 100 Hz a 1 ms timeout rounds up to a full 10 ms tick.
	sem, err := NewSemaphore(0, 1)
	if err != nil {
		t.Fatalf("NewSemaphore failed: %v", err)
	}
	defer sem.Destroy()
	if err := sem.Wait(1); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Expected ErrTimedOut, got %v", err)
	}
}
