// Package syscall implements the file-oriented system calls over the FD
// table and the vfs layer: open/openat, close, read/readv, write/writev,
// dup/dup2/dup3, pipe2, splice, fchdir and socket. The dispatcher that
// decodes trap frames into these calls, the user-memory copy layer and the
// path-walking filesystems are out of scope; callers hand in kernel-space
// buffers and a path resolver.
package syscall

import (
	"coreos/kernel"
	"coreos/kernel/fd"
	"coreos/kernel/vfs"
)

const (
	// AtFDCWD is the sentinel dirfd that makes OpenAt resolve relative
	// paths against the context's current working directory.
	AtFDCWD = -100

	// IovMax bounds the number of entries a single readv/writev call may
	// carry.
	IovMax = 1024
)

var (
	errBadIovCount = kernel.NewError("syscall", "iovec count is negative or exceeds IOV_MAX", kernel.EINVAL)
	errNotDir      = kernel.NewError("syscall", "descriptor does not refer to a directory", kernel.ENOTDIR)
	errSameFD      = kernel.NewError("syscall", "dup3 with identical descriptors", kernel.EINVAL)
	errNoPipeEnd   = kernel.NewError("syscall", "splice requires at least one pipe end", kernel.EINVAL)
	errPipeOffset  = kernel.NewError("syscall", "offset supplied for a pipe end", kernel.ESPIPE)
	errBadDomain   = kernel.NewError("syscall", "unsupported socket domain or type", kernel.EINVAL)
)

// PathResolver turns a path into a File. dir is the directory relative paths
// resolve against; it is nil for absolute paths. The concrete filesystems
// behind it are out of scope.
type PathResolver func(dir *vfs.File, path string) (*vfs.File, *kernel.Error)

// Context carries the per-process state the calls in this package operate
// on. One Context belongs to one process; the process lock serializes calls
// on it.
type Context struct {
	FDs     *fd.Table
	Cwd     *vfs.File
	Resolve PathResolver
}

// openFileFor looks up id and returns its shared OpenFile.
func (c *Context) openFileFor(id int) (*vfs.OpenFile, *kernel.Error) {
	fdesc, err := c.FDs.Get(id)
	if err != nil {
		return nil, err
	}
	return fdesc.OpenFile(), nil
}
