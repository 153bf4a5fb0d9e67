package syscall

import "coreos/kernel"

// Read transfers up to len(buf) bytes from the descriptor's current offset,
// advancing the shared cursor by the number of bytes read.
func (c *Context) Read(id int, buf []byte) (int, *kernel.Error) {
	of, err := c.openFileFor(id)
	if err != nil {
		return 0, err
	}
	return of.Read(buf)
}

// Write transfers len(buf) bytes at the descriptor's current offset,
// advancing the shared cursor by the number of bytes written.
func (c *Context) Write(id int, buf []byte) (int, *kernel.Error) {
	of, err := c.openFileFor(id)
	if err != nil {
		return 0, err
	}
	return of.Write(buf)
}

// Readv fills each vector in turn from the descriptor, returning the total
// number of bytes read. A short read ends the scatter early; zero-length
// vectors are skipped.
func (c *Context) Readv(id int, vecs [][]byte) (int, *kernel.Error) {
	if len(vecs) > IovMax {
		return 0, errBadIovCount
	}
	of, err := c.openFileFor(id)
	if err != nil {
		return 0, err
	}

	var total int
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		n, err := of.Read(v)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		total += n
		if n < len(v) {
			break
		}
	}
	return total, nil
}

// Writev gathers each vector in turn into the descriptor, returning the
// total number of bytes written. A short write ends the gather early.
func (c *Context) Writev(id int, vecs [][]byte) (int, *kernel.Error) {
	if len(vecs) > IovMax {
		return 0, errBadIovCount
	}
	of, err := c.openFileFor(id)
	if err != nil {
		return 0, err
	}

	var total int
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		n, err := of.Write(v)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		total += n
		if n < len(v) {
			break
		}
	}
	return total, nil
}
