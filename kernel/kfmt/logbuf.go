package kfmt

import "io"

// earlyBufferSize bounds how much Printf output is retained before a
// console, serial line or other sink has been registered. Boot logs longer
// than this lose their oldest bytes first.
const earlyBufferSize = 4096

// logBuffer is a byte ring that keeps the most recent earlyBufferSize bytes
// written to it. Writes never fail: once the ring is full they evict the
// oldest data, which is the right discipline for a boot log that will be
// replayed into the real console once one exists.
type logBuffer struct {
	data  [earlyBufferSize]byte
	start int // index of the oldest retained byte
	size  int // number of retained bytes
}

// Write appends p, evicting from the front once the ring is full.
func (b *logBuffer) Write(p []byte) (int, error) {
	total := len(p)

	// Anything beyond a full ring's worth would be evicted again before
	// Read could see it, so only the tail matters.
	if total >= earlyBufferSize {
		p = p[total-earlyBufferSize:]
		b.start, b.size = 0, 0
	}

	for len(p) > 0 {
		end := (b.start + b.size) % earlyBufferSize
		n := copy(b.data[end:], p)
		p = p[n:]

		if evicted := b.size + n - earlyBufferSize; evicted > 0 {
			b.start = (b.start + evicted) % earlyBufferSize
			b.size = earlyBufferSize
		} else {
			b.size += n
		}
	}

	return total, nil
}

// Read drains retained bytes in write order, returning io.EOF once the ring
// is empty. A single call returns at most one contiguous run, so draining
// via io.Copy may take two calls after the ring has wrapped.
func (b *logBuffer) Read(p []byte) (int, error) {
	if b.size == 0 {
		return 0, io.EOF
	}

	n := b.size
	if n > len(p) {
		n = len(p)
	}
	if run := earlyBufferSize - b.start; n > run {
		n = run
	}

	copy(p, b.data[b.start:b.start+n])
	b.start = (b.start + n) % earlyBufferSize
	b.size -= n

	return n, nil
}
