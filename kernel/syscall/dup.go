package syscall

import (
	"coreos/kernel"
	"coreos/kernel/fd"
)

// Dup duplicates id into the lowest free slot. The duplicate shares the
// original's OpenFile (cursor and status flags included) and starts with
// close-on-exec clear.
func (c *Context) Dup(id int) (int, *kernel.Error) {
	return c.FDs.Duplicate(id, fd.Constraint{Kind: fd.ConstraintNone}, false)
}

// Dup2 duplicates oldID into exactly newID, first closing whatever occupies
// it. Duplicating a descriptor onto itself is a no-op that just validates
// oldID.
func (c *Context) Dup2(oldID, newID int) (int, *kernel.Error) {
	if oldID == newID {
		if _, err := c.FDs.Get(oldID); err != nil {
			return 0, err
		}
		return newID, nil
	}
	return c.FDs.Duplicate(oldID, fd.Constraint{Kind: fd.ConstraintFixed, Value: newID}, false)
}

// Dup3 is Dup2 with an explicit close-on-exec bit for the new descriptor;
// unlike Dup2 it rejects identical descriptors.
func (c *Context) Dup3(oldID, newID int, cloexec bool) (int, *kernel.Error) {
	if oldID == newID {
		return 0, errSameFD
	}
	return c.FDs.Duplicate(oldID, fd.Constraint{Kind: fd.ConstraintFixed, Value: newID}, cloexec)
}
