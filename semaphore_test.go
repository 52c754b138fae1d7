package dmos

import (
	"errors"
	"testing"
	"time"
)

func TestSemaphoreCounting(t *testing.T) {
	initBackend(t)

	sem, err := NewSemaphore(1, 2)
	if err != nil {
		t.Fatalf("NewSemaphore failed: %v", err)
	}
	defer sem.Destroy()

	// One token available.
	if err := sem.Wait(0); err != nil {
		t.Fatalf("Wait on available token failed: %v", err)
	}
	if err := sem.Wait(0); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock on empty semaphore, got %v", err)
	}

	if err := sem.Post(); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := sem.Post(); err != nil {
		t.Fatalf("Second post failed: %v", err)
	}
	if err := sem.Post(); !errors.Is(err, ErrOverflow) {
		t.Errorf("Expected ErrOverflow past max count, got %v", err)
	}
}

func TestSemaphoreInvalidCounts(t *testing.T) {
	initBackend(t)

	tests := []struct {
		name    string
		initial uint32
		max     uint32
	}{
		{name: "zero max", initial: 0, max: 0},
		{name: "initial above max", initial: 3, max: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSemaphore(tt.initial, tt.max); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestSemaphoreTimeout(t *testing.T) {
	initBackend(t)

	sem, err := NewSemaphore(0, 1)
	if err != nil {
		t.Fatalf("NewSemaphore failed: %v", err)
	}
	defer sem.Destroy()

	start := time.Now()
	if err := sem.Wait(50); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait returned after %v, expected at least ~50ms", elapsed)
	}
}

func TestSemaphorePostWakesWaiter(t *testing.T) {
	initBackend(t)

	sem, err := NewSemaphore(0, 1)
	if err != nil {
		t.Fatalf("NewSemaphore failed: %v", err)
	}
	defer sem.Destroy()

	waitDone := make(chan error, 1)
	go func() { waitDone <- sem.Wait(-1) }()
	time.Sleep(20 * time.Millisecond)

	if err := sem.Post(); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	select {
	case err := <-waitDone:
		if err != nil {
			t.Errorf("Woken waiter got error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter not woken by Post")
	}
}

func TestSemaphoreDestroyReleasesWaiter(t *testing.T) {
	initBackend(t)

	sem, err := NewSemaphore(0, 1)
	if err != nil {
		t.Fatalf("NewSemaphore failed: %v", err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- sem.Wait(-1) }()
	time.Sleep(20 * time.Millisecond)

	sem.Destroy()
	select {
	case err := <-waitDone:
		if !errors.Is(err, ErrFault) {
			t.Errorf("Expected ErrFault from destroyed semaphore, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter not released by Destroy")
	}

	if err := sem.Post(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument after destroy, got %v", err)
	}
}
