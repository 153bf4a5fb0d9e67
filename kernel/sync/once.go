package sync

import "sync/atomic"

// Cell wraps a process-lifetime singleton (the device registry is the one
// held in a Cell) behind an init-once guard. Accessing the value before Set has been called is a
// programming error and panics rather than silently returning a zero value,
// so access-before-initialization is caught by the cell rather than left to
// convention.
type Cell struct {
	initialized uint32
	value       interface{}
}

// Set installs the cell's value. Calling Set more than once panics.
func (c *Cell) Set(v interface{}) {
	if !atomic.CompareAndSwapUint32(&c.initialized, 0, 1) {
		panic("sync: Cell.Set called more than once")
	}
	c.value = v
}

// Get returns the cell's value. It panics if Set has not been called yet.
func (c *Cell) Get() interface{} {
	if atomic.LoadUint32(&c.initialized) == 0 {
		panic("sync: Cell accessed before Set")
	}
	return c.value
}

// Ready reports whether Set has already run, without panicking.
func (c *Cell) Ready() bool {
	return atomic.LoadUint32(&c.initialized) != 0
}
