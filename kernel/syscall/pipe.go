package syscall

import (
	"coreos/kernel"
	"coreos/kernel/fd"
	"coreos/kernel/vfs"
)

// pipeCapacity is the ring-buffer size backing a freshly created pipe.
const pipeCapacity = 65536

// maxSpliceLen caps a single splice transfer so the byte count survives the
// i32 syscall return convention.
const maxSpliceLen = 1<<31 - 1

// Pipe2 creates an anonymous pipe and returns its (read, write) descriptor
// pair. Both descriptors share the close-on-exec and non-blocking settings.
func (c *Context) Pipe2(cloexec, nonblock bool) (int, int, *kernel.Error) {
	file := vfs.NewPipe(vfs.Location{}, pipeCapacity)

	var openFlags vfs.OpenFlag
	if nonblock {
		openFlags = vfs.OpenNonBlock
	}
	var fdFlags fd.Flag
	if cloexec {
		fdFlags = fd.CloseOnExec
	}

	readID, err := c.FDs.Create(fdFlags, vfs.Open(file, vfs.OpenReadOnly|openFlags))
	if err != nil {
		return 0, 0, err
	}
	writeID, err := c.FDs.Create(fdFlags, vfs.Open(file, vfs.OpenWriteOnly|openFlags))
	if err != nil {
		c.FDs.Close(readID)
		return 0, 0, err
	}
	return readID, writeID, nil
}

// Splice moves up to length bytes from idIn to idOut. At least one side must
// be a pipe; a pipe side must not be given an explicit offset. Sides with a
// nil offset use (and advance) their OpenFile cursor; sides with a non-nil
// offset transfer at *off without touching the cursor, and *off is advanced
// instead.
func (c *Context) Splice(idIn int, offIn *uint64, idOut int, offOut *uint64, length int, flags uint32) (int, *kernel.Error) {
	in, err := c.openFileFor(idIn)
	if err != nil {
		return 0, err
	}
	out, err := c.openFileFor(idOut)
	if err != nil {
		return 0, err
	}

	inIsPipe := in.File().Buffer != nil
	outIsPipe := out.File().Buffer != nil
	if !inIsPipe && !outIsPipe {
		return 0, errNoPipeEnd
	}
	if inIsPipe && offIn != nil {
		return 0, errPipeOffset
	}
	if outIsPipe && offOut != nil {
		return 0, errPipeOffset
	}

	if length > maxSpliceLen {
		length = maxSpliceLen
	}
	buf := make([]byte, length)

	var n int
	if offIn != nil {
		n, err = in.ReadAt(*offIn, buf)
		if err == nil {
			*offIn += uint64(n)
		}
	} else {
		n, err = in.Read(buf)
	}
	if err != nil {
		return 0, err
	}

	for written := 0; written < n; {
		var w int
		var werr *kernel.Error
		if offOut != nil {
			w, werr = out.WriteAt(*offOut, buf[written:n])
			if werr == nil {
				*offOut += uint64(w)
			}
		} else {
			w, werr = out.Write(buf[written:n])
		}
		if werr != nil {
			return written, werr
		}
		written += w
	}

	return n, nil
}
