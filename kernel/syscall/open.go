package syscall

import (
	"coreos/kernel"
	"coreos/kernel/fd"
	"coreos/kernel/vfs"
)

// Open resolves path against the current working directory, wraps the
// resulting file in a fresh OpenFile and installs it in the lowest free
// descriptor slot.
func (c *Context) Open(path string, flags vfs.OpenFlag, cloexec bool) (int, *kernel.Error) {
	return c.OpenAt(AtFDCWD, path, flags, cloexec)
}

// OpenAt is Open with an explicit base directory: absolute paths ignore
// dirFD, AtFDCWD selects the context's cwd, and any other value must name a
// descriptor referring to a directory.
func (c *Context) OpenAt(dirFD int, path string, flags vfs.OpenFlag, cloexec bool) (int, *kernel.Error) {
	var dir *vfs.File

	switch {
	case len(path) > 0 && path[0] == '/':
		// absolute: resolver starts from the root
	case dirFD == AtFDCWD:
		dir = c.Cwd
	default:
		of, err := c.openFileFor(dirFD)
		if err != nil {
			return 0, err
		}
		if of.File().Stat().FileType != vfs.FileTypeDirectory {
			return 0, errNotDir
		}
		dir = of.File()
	}

	file, err := c.Resolve(dir, path)
	if err != nil {
		return 0, err
	}

	var fdFlags fd.Flag
	if cloexec {
		fdFlags = fd.CloseOnExec
	}
	return c.FDs.Create(fdFlags, vfs.Open(file, flags))
}

// Close releases the descriptor at id.
func (c *Context) Close(id int) *kernel.Error {
	return c.FDs.Close(id)
}

// Fchdir changes the current working directory to the directory the
// descriptor refers to.
func (c *Context) Fchdir(id int) *kernel.Error {
	of, err := c.openFileFor(id)
	if err != nil {
		return err
	}
	if of.File().Stat().FileType != vfs.FileTypeDirectory {
		return errNotDir
	}
	c.Cwd = of.File()
	return nil
}
