// Package dmos is a portable operating-system interface layer: thread
// creation with join/kill semantics, lightweight process grouping, thread
// introspection, and the usual synchronization objects (semaphores,
// mutexes, message queues, software timers), all built on a goroutine-backed
// task kernel.
//
// The backend must be bootstrapped with Init before any other call, from the
// context that will act as the system's initial execution path, and torn
// down with Deinit. Handle-taking accessors accept a nil handle to mean
// "the calling context".
//
// Timeout convention, used by every operation that takes a timeout in
// milliseconds: 0 is a non-blocking attempt, negative waits indefinitely,
// and a positive value is rounded up to at least one scheduler tick so it
// never collapses to a zero wait.
package dmos
