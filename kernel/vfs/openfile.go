package vfs

import "coreos/kernel"

// OpenFlag mirrors the handful of open(2) flags the core itself inspects;
// the exhaustive flag catalog belongs to the syscall dispatcher.
type OpenFlag int32

// The open flags the FD/open-file layer cares about. Access-mode flags are
// mutually exclusive; the others are bits.
const (
	OpenReadOnly OpenFlag = iota
	OpenWriteOnly
	OpenReadWrite
)

const (
	OpenNonBlock OpenFlag = 1 << (iota + 8)
	OpenAppend
)

// OpenFile is the shared (file, flags, offset, wait-queue) state behind one
// or more FDs: after dup, every duplicate observes the same cursor and
// blocking-status flags. Callers serialize access through the process lock;
// OpenFile itself carries no lock of its own.
type OpenFile struct {
	file   *File
	Flags  OpenFlag
	offset uint64

	waiters []chan struct{}
}

var (
	errClosed          = kernel.NewError("vfs", "operation on a closed open-file", kernel.EBADF)
	errReadOnWriteOnly = kernel.NewError("vfs", "read on a write-only open-file", kernel.EACCES)
	errWriteOnReadOnly = kernel.NewError("vfs", "write on a read-only open-file", kernel.EACCES)
	errNoSeek          = kernel.NewError("vfs", "seek on a pipe or socket", kernel.ESPIPE)
)

// accessMode isolates the read/write-only/read-write bits of Flags (the
// low byte), ignoring the non-blocking/append bits above it.
func (of *OpenFile) accessMode() OpenFlag { return of.Flags & 0xff }

// Open builds a new OpenFile over file, raising its open count by one. If
// file is pipe-backed, the appropriate reader/writer reference is also
// registered on the bound Pipe so EOF/EPIPE accounting stays correct.
func Open(file *File, flags OpenFlag) *OpenFile {
	file.incrOpen()
	of := &OpenFile{file: file, Flags: flags}

	if file.Buffer != nil {
		switch of.accessMode() {
		case OpenReadOnly:
			file.Buffer.AddReader()
		case OpenWriteOnly:
			file.Buffer.AddWriter()
		case OpenReadWrite:
			file.Buffer.AddReader()
			file.Buffer.AddWriter()
		}
	}

	return of
}

// File returns the underlying File this OpenFile wraps.
func (of *OpenFile) File() *File { return of.file }

// Offset returns the current cursor position.
func (of *OpenFile) Offset() uint64 { return of.offset }

// Read reads into buf at the current offset, advancing it by the number of
// bytes actually read. Pipe-backed files consume from the ring instead and
// ignore the offset.
func (of *OpenFile) Read(buf []byte) (int, *kernel.Error) {
	if of.accessMode() == OpenWriteOnly {
		return 0, errReadOnWriteOnly
	}

	n, err := of.file.readAt(of.offset, buf)
	if err != nil {
		return 0, err
	}
	of.offset += uint64(n)
	return n, nil
}

// Write writes buf at the current offset, advancing it by the number of
// bytes actually written. With OpenAppend the offset is first moved to the
// node's reported size.
func (of *OpenFile) Write(buf []byte) (int, *kernel.Error) {
	if of.accessMode() == OpenReadOnly {
		return 0, errWriteOnReadOnly
	}

	if of.Flags&OpenAppend != 0 {
		of.offset = of.file.Stat().Size
	}

	n, err := of.file.writeAt(of.offset, buf)
	if err != nil {
		return 0, err
	}
	of.offset += uint64(n)
	return n, nil
}

// ReadAt reads into buf at an explicit offset without moving the shared
// cursor. Pipe- and socket-backed files have no notion of an offset and
// reject it with ESPIPE.
func (of *OpenFile) ReadAt(offset uint64, buf []byte) (int, *kernel.Error) {
	if of.file.Buffer != nil {
		return 0, errNoSeek
	}
	if of.accessMode() == OpenWriteOnly {
		return 0, errReadOnWriteOnly
	}
	return of.file.readAt(offset, buf)
}

// WriteAt writes buf at an explicit offset without moving the shared cursor.
func (of *OpenFile) WriteAt(offset uint64, buf []byte) (int, *kernel.Error) {
	if of.file.Buffer != nil {
		return 0, errNoSeek
	}
	if of.accessMode() == OpenReadOnly {
		return 0, errWriteOnReadOnly
	}
	return of.file.writeAt(offset, buf)
}

// Seek repositions the cursor. Pipes and sockets reject it with ESPIPE.
func (of *OpenFile) Seek(offset uint64) *kernel.Error {
	if of.file.Buffer != nil {
		return errNoSeek
	}
	of.offset = offset
	return nil
}

// Close releases this OpenFile's reference to its File: it unregisters the
// pipe reader/writer reference Open registered and lowers the File's open
// count. Every call does both, whatever the count was.
func (of *OpenFile) Close() *kernel.Error {
	if of.file.Buffer != nil {
		switch of.accessMode() {
		case OpenReadOnly:
			of.file.Buffer.RemoveReader()
		case OpenWriteOnly:
			of.file.Buffer.RemoveWriter()
		case OpenReadWrite:
			of.file.Buffer.RemoveReader()
			of.file.Buffer.RemoveWriter()
		}
	}

	of.file.decrOpen()
	return nil
}

// Enqueue registers a wait channel to be woken when this OpenFile becomes
// ready. Blocking reads enqueue the current process here before yielding to
// the scheduler; this is the data structure its end-tick primitive drives.
func (of *OpenFile) Enqueue(c chan struct{}) {
	of.waiters = append(of.waiters, c)
}

// Wake closes and clears every registered waiter, the symmetric half of
// Enqueue.
func (of *OpenFile) Wake() {
	for _, c := range of.waiters {
		close(c)
	}
	of.waiters = nil
}
