package kern

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/phuslu/log"
)

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	return New(cfg, log.Logger{
		Level:  log.ErrorLevel,
		Writer: &log.IOWriter{Writer: io.Discard},
	})
}

func TestSpawnAndCurrent(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	seen := make(chan *Task, 1)
	task, err := k.Spawn("probe", 1, 4096, func(t *Task) {
		cur, ok := k.Current()
		if ok {
			seen <- cur
		} else {
			seen <- nil
		}
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if got := <-seen; got != task {
		t.Errorf("Current inside task returned %v, want %v", got, task)
	}
	if task.Name() != "probe" || task.Priority() != 1 {
		t.Errorf("Task attributes not recorded: name=%q prio=%d", task.Name(), task.Priority())
	}
	if task.External() {
		t.Error("Spawned task reported external")
	}
}

func TestSpawnVisibleBeforeReturn(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	release := make(chan struct{})
	task, err := k.Spawn("early", 0, 4096, func(t *Task) { <-release })
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer close(release)

	// Registration happens before Spawn returns, so the snapshot already
	// contains the task.
	found := false
	for _, s := range k.Snapshot() {
		if s == task {
			found = true
		}
	}
	if !found {
		t.Error("Freshly spawned task missing from snapshot")
	}
	if k.NumTasks() != 1 {
		t.Errorf("Expected 1 task, got %d", k.NumTasks())
	}
}

func TestNotifyCoalescing(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	armed := make(chan struct{})
	results := make(chan error, 2)
	task, err := k.Spawn("taker", 0, 4096, func(t *Task) {
		<-armed
		results <- t.NotifyTake(-1)
		results <- t.NotifyTake(0)
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	// Two gives coalesce into a single pending notification.
	task.NotifyGive()
	task.NotifyGive()
	close(armed)

	if err := <-results; err != nil {
		t.Errorf("First take failed: %v", err)
	}
	if err := <-results; !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Expected ErrWouldBlock on drained slot, got %v", err)
	}
}

func TestNotifyTakeTimeout(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	results := make(chan error, 1)
	start := time.Now()
	_, err := k.Spawn("waiter", 0, 4096, func(t *Task) {
		results <- t.NotifyTake(50)
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := <-results; !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Take returned after %v, expected at least ~50ms", elapsed)
	}
}

func TestTerminateEndsBlockedTask(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	resumed := make(chan struct{})
	exited := make(chan struct{})
	task, err := k.Spawn("doomed", 0, 4096, func(t *Task) {
		defer close(exited)
		t.NotifyTake(-1)
		close(resumed)
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	task.Terminate()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate did not end the blocked task")
	}
	// The exit must come from the suspension point itself: nothing after
	// the wait may run.
	select {
	case <-resumed:
		t.Error("Blocked wait resumed after Terminate")
	default:
	}

	if task.State() != StateDeleted {
		t.Errorf("Expected StateDeleted, got %v", task.State())
	}
	// Idempotent.
	task.Terminate()
}

func TestAdopt(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	if _, ok := k.Current(); ok {
		t.Fatal("Unspawned goroutine unexpectedly known")
	}

	task := k.Adopt("external", 2)
	if task == nil {
		t.Fatal("Adopt returned nil")
	}
	if !task.External() {
		t.Error("Adopted task not marked external")
	}

	cur, ok := k.Current()
	if !ok || cur != task {
		t.Error("Current does not resolve to the adopted task")
	}
	if again := k.Adopt("external", 2); again != task {
		t.Error("Second adopt returned a different task")
	}

	k.Remove(task)
	if _, ok := k.Current(); ok {
		t.Error("Removed task still resolvable")
	}
}

func TestTLSRoundTrip(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	task := k.Adopt("tls", 0)
	defer k.Remove(task)

	if task.TLS() != nil {
		t.Error("Fresh task TLS not nil")
	}
	task.SetTLS("value")
	if got := task.TLS(); got != "value" {
		t.Errorf("Expected TLS 'value', got %v", got)
	}
	task.SetTLS(nil)
	if task.TLS() != nil {
		t.Error("Cleared TLS not nil")
	}
}

func TestRetireRemovesTask(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	task, err := k.Spawn("transient", 0, 4096, func(t *Task) {})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for k.NumTasks() != 0 {
		select {
		case <-deadline:
			t.Fatal("Retired task never left the registry")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if task.State() != StateDeleted {
		t.Errorf("Expected StateDeleted after retire, got %v", task.State())
	}
}

func TestBoundedTimeout(t *testing.T) {
	k := newTestKernel(t, Config{TickRateHz: 100})

	if got := k.BoundedTimeout(1); got != 10*time.Millisecond {
		t.Errorf("Expected 1ms to round up to the 10ms tick, got %v", got)
	}
	if got := k.BoundedTimeout(50); got != 50*time.Millisecond {
		t.Errorf("Expected 50ms to pass through, got %v", got)
	}
}

func TestTickAndUptime(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	before := k.TickCount()
	time.Sleep(30 * time.Millisecond)
	if after := k.TickCount(); after <= before {
		t.Errorf("Tick count did not advance: %d -> %d", before, after)
	}
	if k.UptimeMillis() < 30 {
		t.Errorf("Uptime below elapsed time: %d", k.UptimeMillis())
	}
}

func TestRuntimeAccounting(t *testing.T) {
	k := newTestKernel(t, DefaultConfig())

	done := make(chan struct{})
	_, err := k.Spawn("busy", 0, 4096, func(t *Task) {
		// Alternate short runs and waits so the segment accounting at the
		// suspension points accumulates.
		for i := 0; i < 5; i++ {
			busyLoop(2 * time.Millisecond)
			t.Sleep(1)
		}
		close(done)
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	<-done

	if k.TotalRunNanos() <= 0 {
		t.Error("No run-time accumulated")
	}
}

func busyLoop(d time.Duration) {
	until := time.Now().Add(d)
	for time.Now().Before(until) {
	}
}
