// Package sync provides the synchronization primitives used by the kernel:
// busy-wait spinlocks for the short critical sections around page tables,
// frame refcounts and the device/FD tables, plus an init-once cell for
// process-lifetime singletons.
package sync

import "sync/atomic"

// yieldFn, when non-nil, is called between acquisition attempts. Tests set
// it to runtime.Gosched so contended spins make progress under Go's
// cooperative scheduler; in the kernel it stays nil and contended CPUs just
// spin.
var yieldFn func()

// Spinlock is a busy-wait mutual-exclusion lock built as test-and-test-and-
// set: a contended acquirer spins on a plain load until the lock looks free
// and only then retries the atomic swap, so the owning CPU's cache line is
// not bounced on every probe.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock is held by the caller. Re-acquiring a lock
// already held by the current task deadlocks.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		for atomic.LoadUint32(&l.state) != 0 {
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts a single acquisition and reports whether it
// succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock. Calling Release while the lock is free
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by anyone. It exists for
// assertions and must not be used to make acquisition decisions.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
