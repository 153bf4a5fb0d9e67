package vfs

import (
	"coreos/kernel"
	"coreos/kernel/sync"
)

// Pipe is the in-kernel ring buffer backing a FIFO or socket File's bound
// buffer: a fixed-capacity wraparound byte queue with reader/writer
// reference counts for EOF and EPIPE accounting.
type Pipe struct {
	lock sync.Spinlock

	buf   []byte
	head  int // next byte to read
	count int // number of valid bytes currently buffered

	readers int
	writers int
}

var (
	errPipeFull  = kernel.NewError("vfs", "pipe buffer is full", kernel.EAGAIN)
	errPipeEmpty = kernel.NewError("vfs", "pipe buffer is empty", kernel.EAGAIN)
	// ErrBrokenPipe is returned by Write when every reader has gone away.
	ErrBrokenPipe = kernel.NewError("vfs", "write to a pipe with no readers", kernel.EPIPE)
)

// NewPipeBuffer allocates an empty ring buffer of the given byte capacity.
func NewPipeBuffer(capacity int) *Pipe {
	return &Pipe{buf: make([]byte, capacity)}
}

// AddReader registers one more reader of this pipe (one OpenFile opened for
// reading).
func (p *Pipe) AddReader() {
	p.lock.Acquire()
	p.readers++
	p.lock.Release()
}

// AddWriter registers one more writer of this pipe.
func (p *Pipe) AddWriter() {
	p.lock.Acquire()
	p.writers++
	p.lock.Release()
}

// RemoveReader drops one reader reference.
func (p *Pipe) RemoveReader() {
	p.lock.Acquire()
	p.readers--
	p.lock.Release()
}

// RemoveWriter drops one writer reference.
func (p *Pipe) RemoveWriter() {
	p.lock.Acquire()
	p.writers--
	p.lock.Release()
}

// Len reports how many bytes are currently buffered.
func (p *Pipe) Len() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.count
}

// Read copies up to len(buf) buffered bytes out of the ring, returning
// EAGAIN when nothing is available while a writer remains, and 0 with no
// error (EOF) once the ring is empty and every writer is gone. Suspending
// until data arrives is the
// caller's responsibility; the ring itself never blocks.
func (p *Pipe) Read(buf []byte) (int, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.count == 0 {
		if p.writers == 0 {
			return 0, nil // EOF: no writers left and nothing buffered
		}
		return 0, errPipeEmpty
	}

	n := len(buf)
	if n > p.count {
		n = p.count
	}

	for i := 0; i < n; i++ {
		buf[i] = p.buf[(p.head+i)%len(p.buf)]
	}
	p.head = (p.head + n) % len(p.buf)
	p.count -= n

	return n, nil
}

// Write appends up to len(data) bytes to the ring, short-writing when the
// buffer has less room than requested; it fails with ErrBrokenPipe if no
// reader remains.
func (p *Pipe) Write(data []byte) (int, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.readers == 0 {
		return 0, ErrBrokenPipe
	}

	free := len(p.buf) - p.count
	if free == 0 {
		return 0, errPipeFull
	}

	n := len(data)
	if n > free {
		n = free
	}

	tail := (p.head + p.count) % len(p.buf)
	for i := 0; i < n; i++ {
		p.buf[(tail+i)%len(p.buf)] = data[i]
	}
	p.count += n

	return n, nil
}
