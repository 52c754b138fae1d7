package dmos

import (
	"errors"
	"testing"
	"time"
)

func TestMutexLockUnlock(t *testing.T) {
	initBackend(t)

	m, err := NewMutex(false)
	if err != nil {
		t.Fatalf("NewMutex failed: %v", err)
	}
	defer m.Destroy()

	if err := m.Lock(-1); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func TestMutexContention(t *testing.T) {
	initBackend(t)

	m, err := NewMutex(false)
	if err != nil {
		t.Fatalf("NewMutex failed: %v", err)
	}
	defer m.Destroy()

	if err := m.Lock(-1); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// Another context cannot take the lock.
	tryDone := make(chan error, 1)
	go func() { tryDone <- m.Lock(0) }()
	if err := <-tryDone; !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock for contended try-lock, got %v", err)
	}

	timedDone := make(chan error, 1)
	go func() { timedDone <- m.Lock(50) }()
	if err := <-timedDone; !errors.Is(err, ErrTimedOut) {
		t.Errorf("Expected ErrTimedOut for contended timed lock, got %v", err)
	}

	// A blocked waiter acquires the lock once released.
	acquired := make(chan error, 1)
	go func() { acquired <- m.Lock(-1) }()
	time.Sleep(20 * time.Millisecond)
	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Waiter failed to acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter never acquired released mutex")
	}
}

func TestMutexNonOwnerUnlock(t *testing.T) {
	initBackend(t)

	m, err := NewMutex(false)
	if err != nil {
		t.Fatalf("NewMutex failed: %v", err)
	}
	defer m.Destroy()

	if err := m.Lock(-1); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer m.Unlock()

	unlockDone := make(chan error, 1)
	go func() { unlockDone <- m.Unlock() }()
	if err := <-unlockDone; !errors.Is(err, ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner for foreign unlock, got %v", err)
	}
}

func TestMutexRecursive(t *testing.T) {
	initBackend(t)

	m, err := NewMutex(true)
	if err != nil {
		t.Fatalf("NewMutex failed: %v", err)
	}
	defer m.Destroy()

	for i := 0; i < 3; i++ {
		if err := m.Lock(-1); err != nil {
			t.Fatalf("Recursive lock %d failed: %v", i, err)
		}
	}

	// The lock is held until the depth unwinds fully.
	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	tryDone := make(chan error, 1)
	go func() { tryDone <- m.Lock(0) }()
	if err := <-tryDone; !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected lock still held at depth 2, got %v", err)
	}

	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := m.Unlock(); err != nil {
		t.Fatalf("Final unlock failed: %v", err)
	}

	freeDone := make(chan error, 1)
	go func() {
		if err := m.Lock(0); err != nil {
			freeDone <- err
			return
		}
		freeDone <- m.Unlock()
	}()
	if err := <-freeDone; err != nil {
		t.Errorf("Expected mutex free after full unwind, got %v", err)
	}
}

func TestMutexNonRecursiveRelock(t *testing.T) {
	initBackend(t)

	m, err := NewMutex(false)
	if err != nil {
		t.Fatalf("NewMutex failed: %v", err)
	}
	defer m.Destroy()

	if err := m.Lock(-1); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer m.Unlock()

	// Re-lock by the owner is ordinary contention, not recursion.
	if err := m.Lock(0); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock on non-recursive re-lock, got %v", err)
	}
}
