// Package fd implements the per-process file-descriptor table: a sparse,
// lowest-free-allocation slot vector over shared OpenFile handles, with a
// system-wide ceiling on the total number of open descriptors.
package fd

import (
	"coreos/kernel"
	"coreos/kernel/sync"
	"coreos/kernel/vfs"
)

// Flag is the set of per-FD (not per-open-file) flags. The only one the
// kernel defines is close-on-exec.
type Flag int32

// CloseOnExec marks a descriptor to be dropped when the process execs
// (FD_CLOEXEC).
const CloseOnExec Flag = 1

// OpenMax bounds the number of slots a single table may hold. A fixed-slot
// duplicate request at or beyond this bound fails with EMFILE.
const OpenMax = 1024

// systemMax bounds the total number of FDs open across every table sharing
// this package's counter. It is overridable for tests.
var systemMax int32 = 1 << 20

var (
	systemLock  sync.Spinlock
	systemCount int32
)

// SetSystemMax overrides the system-wide FD ceiling; it exists so tests can
// exercise ENFILE without opening a million files.
func SetSystemMax(n int32) { systemMax = n }

// ResetSystemCount zeroes the global open-FD counter, used between tests
// that each expect to start from an empty system.
func ResetSystemCount() {
	systemLock.Acquire()
	systemCount = 0
	systemLock.Release()
}

func incrementSystem() *kernel.Error {
	systemLock.Acquire()
	defer systemLock.Release()
	if systemCount >= systemMax {
		return errTooManySystemWide
	}
	systemCount++
	return nil
}

func decrementSystem() {
	systemLock.Acquire()
	systemCount--
	systemLock.Release()
}

var (
	errBadFD             = kernel.NewError("fd", "no file descriptor at the given slot", kernel.EBADF)
	errTooManyPerProcess = kernel.NewError("fd", "per-process file descriptor limit reached", kernel.EMFILE)
	errTooManySystemWide = kernel.NewError("fd", "system-wide file descriptor limit reached", kernel.ENFILE)
)

// FD is one file-descriptor slot: its close-on-exec flag plus the OpenFile
// it shares with every other FD produced by duplicating it.
type FD struct {
	Flags    Flag
	openFile *vfs.OpenFile
}

// OpenFile returns the shared open-file this descriptor points to.
func (d *FD) OpenFile() *vfs.OpenFile { return d.openFile }

// ConstraintKind selects how Duplicate interprets its target slot.
type ConstraintKind uint8

const (
	// ConstraintNone picks the lowest free slot.
	ConstraintNone ConstraintKind = iota
	// ConstraintFixed requires a specific slot, closing any occupant first.
	ConstraintFixed
	// ConstraintMinimum picks the lowest free slot >= Value.
	ConstraintMinimum
)

// Constraint narrows which slot Duplicate may return.
type Constraint struct {
	Kind  ConstraintKind
	Value int
}

// Table is a process's file-descriptor table: a sparse slot vector with
// lowest-free allocation.
type Table struct {
	lock  sync.Spinlock
	slots []*FD
}

// NewTable returns an empty file-descriptor table.
func NewTable() *Table {
	return &Table{}
}

// lowestFree finds the smallest slot index >= min that is either past the
// end of the table or unoccupied, without taking the table lock (callers
// hold it already).
func (t *Table) lowestFree(min int) (int, *kernel.Error) {
	for i := min; i < len(t.slots); i++ {
		if t.slots[i] == nil {
			return i, nil
		}
	}
	id := len(t.slots)
	if id < min {
		id = min
	}
	if id >= OpenMax {
		return 0, errTooManyPerProcess
	}
	return id, nil
}

func (t *Table) ensureLen(id int) {
	if id >= len(t.slots) {
		grown := make([]*FD, id+1)
		copy(grown, t.slots)
		t.slots = grown
	}
}

// Create allocates the lowest-free slot for a freshly opened file, per
// O_... semantics at the syscall boundary that built openFile. It enforces
// both the per-process (EMFILE) and system-wide (ENFILE) ceilings.
func (t *Table) Create(flags Flag, openFile *vfs.OpenFile) (int, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	id, err := t.lowestFree(0)
	if err != nil {
		return 0, err
	}
	if err := incrementSystem(); err != nil {
		return 0, err
	}

	t.ensureLen(id)
	t.slots[id] = &FD{Flags: flags, openFile: openFile}
	return id, nil
}

// Get returns the descriptor at id, or EBADF if the slot is empty or out of
// range.
func (t *Table) Get(id int) (*FD, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, errBadFD
	}
	return t.slots[id], nil
}

// Duplicate installs a new descriptor pointing at the same OpenFile as the
// descriptor currently at id. Duplication always preserves the underlying
// open-file (same cursor and status flags); only the close-on-exec flag can
// differ on the duplicate. A Fixed duplication into an occupied slot first
// closes the occupant, matching dup2/dup3.
func (t *Table) Duplicate(id int, constraint Constraint, cloexec bool) (int, *kernel.Error) {
	t.lock.Acquire()

	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		t.lock.Release()
		return 0, errBadFD
	}
	src := t.slots[id]

	var (
		newID int
		err   *kernel.Error
	)

	switch constraint.Kind {
	case ConstraintFixed:
		newID = constraint.Value
		if newID >= OpenMax {
			t.lock.Release()
			return 0, errTooManyPerProcess
		}
		t.ensureLen(newID)
		if occupant := t.slots[newID]; occupant != nil {
			t.slots[newID] = nil
			t.lock.Release()
			occupant.openFile.Close()
			decrementSystem()
			t.lock.Acquire()
		}
	case ConstraintMinimum:
		newID, err = t.lowestFree(constraint.Value)
	default:
		newID, err = t.lowestFree(0)
	}

	if err != nil {
		t.lock.Release()
		return 0, err
	}

	if err := incrementSystem(); err != nil {
		t.lock.Release()
		return 0, err
	}

	var flags Flag
	if cloexec {
		flags = CloseOnExec
	}

	t.ensureLen(newID)
	t.slots[newID] = &FD{Flags: flags, openFile: src.openFile}
	t.lock.Release()
	return newID, nil
}

// Close drops the descriptor at id. If this was the last reference to its
// OpenFile, the node's close discipline runs (via OpenFile.Close).
func (t *Table) Close(id int) *kernel.Error {
	t.lock.Acquire()
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		t.lock.Release()
		return errBadFD
	}
	fdesc := t.slots[id]
	t.slots[id] = nil
	t.shrink()
	t.lock.Release()

	decrementSystem()
	return fdesc.openFile.Close()
}

// shrink drops trailing nil slots so an empty table reports length zero
// again. Callers must hold t.lock.
func (t *Table) shrink() {
	n := len(t.slots)
	for n > 0 && t.slots[n-1] == nil {
		n--
	}
	t.slots = t.slots[:n]
}

// DuplicateAll clones the whole table for fork(): every slot gets its own FD
// struct (so the close-on-exec flag can later diverge between parent and
// child) but continues to share the same underlying OpenFile. If
// cloexecFilter is true (the exec case), slots whose close-on-exec flag is
// set are omitted from the clone instead of carried over.
func (t *Table) DuplicateAll(cloexecFilter bool) *Table {
	t.lock.Acquire()
	defer t.lock.Release()

	clone := &Table{slots: make([]*FD, len(t.slots))}
	for i, fdesc := range t.slots {
		if fdesc == nil {
			continue
		}
		if cloexecFilter && fdesc.Flags&CloseOnExec != 0 {
			continue
		}
		copied := *fdesc
		clone.slots[i] = &copied
	}
	clone.shrink()
	return clone
}

// Len reports the table's current slot count (one past the highest occupied
// slot), mostly useful for tests asserting the shrink-on-close behavior.
func (t *Table) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return len(t.slots)
}
