// Package vfs defines the node-operations capability set and the File/
// OpenFile objects the FD table and device registry build on. The concrete
// filesystems (ext2, procfs, kernfs) that populate a File's operations live
// elsewhere; this package only defines the contract they must satisfy.
package vfs

import (
	"coreos/kernel"
	"coreos/kernel/sync"
)

// FileType tags what kind of node a File represents.
type FileType uint8

// The file types the kernel itself needs to name; a filesystem driver may
// report others (symlink, ...) that nothing here inspects.
const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeBlockDevice
	FileTypeCharDevice
	FileTypeFIFO
	FileTypeSocket
)

// Stat carries the metadata a node reports, including the device-file
// major/minor/mode fields.
type Stat struct {
	FileType FileType
	Mode     uint32
	Size     uint64
	DevMajor uint32
	DevMinor uint32
}

// Location identifies a File: the filesystem it belongs to plus its inode
// number within that filesystem.
type Location struct {
	FilesystemID uint32
	Inode        uint64
}

// NodeOps is the capability set a concrete filesystem or device hands to a
// File: every variant (regular file, directory, device, pipe) fills in the
// subset of operations it supports and leaves the rest nil. A nil operation
// called through OpenFile reports EINVAL to the caller rather than
// panicking.
type NodeOps struct {
	Read       func(loc Location, offset uint64, buf []byte) (int, *kernel.Error)
	Write      func(loc Location, offset uint64, buf []byte) (int, *kernel.Error)
	Stat       func(loc Location) (Stat, *kernel.Error)
	IterateDir func(loc Location, index uint64) (name string, ok bool, err *kernel.Error)
	Ioctl      func(loc Location, request uint32, arg uintptr) (uint32, *kernel.Error)
}

var (
	// ErrNotSupported is returned when a File's NodeOps leaves the
	// requested operation unset.
	ErrNotSupported = kernel.NewError("vfs", "operation not supported by this node", kernel.EINVAL)

	errNoDestination = kernel.NewError("vfs", "socket has no peer address", kernel.EDESTADDRREQ)
)

// File is the VFS-facing object File-descriptors ultimately read through: a
// location, its stat metadata, the node operations that implement it, and
// (for a pipe or socket) a bound in-kernel Buffer. A File's open count stays
// at least 1 while any OpenFile references it and drops to zero when the
// last OpenFile is closed; reaching zero runs no further close step, and the
// bound Buffer stays attached.
type File struct {
	Loc  Location
	stat Stat
	ops  NodeOps

	// Buffer is non-nil for FIFO/socket residences; it is the in-kernel
	// ring buffer data flows through instead of a filesystem's backing
	// store.
	Buffer *Pipe

	lock      sync.Spinlock
	openCount int
}

// New wraps a location, its stat metadata and its node operations into a
// File with an open count of zero; the first OpenFile built over it raises
// the count to one.
func New(loc Location, stat Stat, ops NodeOps) *File {
	return &File{Loc: loc, stat: stat, ops: ops}
}

// NewPipe builds a File of type FIFO bound to a fresh Pipe buffer; both ends
// of an anonymous pipe are OpenFiles over the one File returned here.
func NewPipe(loc Location, capacity int) *File {
	stat := Stat{FileType: FileTypeFIFO}
	return &File{Loc: loc, stat: stat, Buffer: NewPipeBuffer(capacity)}
}

// NewSocket builds an unconnected socket File over a bound buffer. Binding
// and routing belong to the network stack; until a peer exists every write
// fails with EDESTADDRREQ.
func NewSocket(loc Location, capacity int) *File {
	stat := Stat{FileType: FileTypeSocket}
	return &File{Loc: loc, stat: stat, Buffer: NewPipeBuffer(capacity)}
}

// Stat returns the node's metadata.
func (f *File) Stat() Stat { return f.stat }

// Ops returns the node's operation capability set.
func (f *File) Ops() NodeOps { return f.ops }

// incrOpen raises the open count, called once per OpenFile built over this
// File.
func (f *File) incrOpen() {
	f.lock.Acquire()
	f.openCount++
	f.lock.Release()
}

// decrOpen lowers the open count and reports whether it reached zero. Its
// caller, OpenFile.Close, does not act on the result.
func (f *File) decrOpen() bool {
	f.lock.Acquire()
	defer f.lock.Release()
	f.openCount--
	return f.openCount == 0
}

// readAt dispatches to the node's Read, or the bound pipe buffer when one is
// present (FIFO residence never has a Read op of its own).
func (f *File) readAt(offset uint64, buf []byte) (int, *kernel.Error) {
	if f.Buffer != nil {
		return f.Buffer.Read(buf)
	}
	if f.ops.Read == nil {
		return 0, ErrNotSupported
	}
	return f.ops.Read(f.Loc, offset, buf)
}

// writeAt dispatches to the node's Write, or the bound pipe buffer.
func (f *File) writeAt(offset uint64, buf []byte) (int, *kernel.Error) {
	if f.stat.FileType == FileTypeSocket {
		return 0, errNoDestination
	}
	if f.Buffer != nil {
		return f.Buffer.Write(buf)
	}
	if f.ops.Write == nil {
		return 0, ErrNotSupported
	}
	return f.ops.Write(f.Loc, offset, buf)
}
