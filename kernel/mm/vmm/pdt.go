package vmm

import (
	"coreos/kernel"
	"coreos/kernel/cpu"
	"coreos/kernel/kfmt"
	"coreos/kernel/mm"
)

var (
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFn      = cpu.FlushTLB

	// allocTableFrame/freeTableFrame are indirections over mm.AllocFrame
	// /mm.FreeFrame so tests can substitute a frame source that doesn't
	// require a live direct map.
	allocTableFrame = func() (mm.Frame, *kernel.Error) { return mm.AllocFrame(mm.ZoneKernel) }
	freeTableFrame  = mm.FreeFrame

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Errno: kernel.EINVAL}
	errFreeBoundTable    = &kernel.Error{Module: "vmm", Message: "freeing the bound page directory table", Errno: kernel.EINVAL}

	// ErrNotMapped is returned by Translate/Unmap when the requested
	// virtual address has no resolvable mapping at some page level.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped", Errno: kernel.EFAULT}
)

// PageDirectoryTable is a root page table: the frame the CPU's paging
// register points to when this table is active.
type PageDirectoryTable struct {
	root mm.Frame
}

// Alloc reserves and zero-initializes a new, empty page directory table.
func Alloc() (PageDirectoryTable, *kernel.Error) {
	frame, err := allocTableFrame()
	if err != nil {
		return PageDirectoryTable{}, err
	}

	table := tableAccessFn(frame)
	for i := range table {
		table[i] = 0
	}

	return PageDirectoryTable{root: frame}, nil
}

// Free releases the top-level frame of this table. The caller is
// responsible for having already unmapped (and thus freed) every
// intermediate directory reachable from it; Free does not walk the tree.
// Freeing the currently bound table is fatal: the CPU would keep
// translating through a reclaimed frame.
func (pdt PageDirectoryTable) Free() {
	if activePDTFn() == pdt.root.Address() {
		kfmt.Panic(errFreeBoundTable)
	}
	freeTableFrame(pdt.root)
}

// Root returns the physical frame backing this table's top level.
func (pdt PageDirectoryTable) Root() mm.Frame { return pdt.root }

// FromRoot wraps an already-allocated, already-initialized page-table root
// frame, e.g. one obtained from the boot loader's initial mappings.
func FromRoot(root mm.Frame) PageDirectoryTable { return PageDirectoryTable{root: root} }

// Bind installs this table as the CPU's active page directory.
func (pdt PageDirectoryTable) Bind() {
	switchPDTFn(pdt.root.Address())
}

// IsBound reports whether this table is the currently active page directory.
func (pdt PageDirectoryTable) IsBound() bool {
	return activePDTFn() == pdt.root.Address()
}

// InvalidatePage flushes the TLB entry for a single virtual address.
func InvalidatePage(virt uintptr) { flushTLBEntryFn(virt) }

// FlushTLB flushes every non-global TLB entry on the current CPU.
func FlushTLB() { flushTLBFn() }

// rollbackEntry captures enough state to undo a single page-table edit: the
// previous content of one page table entry, plus (if this edit is what
// caused an intermediate directory to be allocated) the frame to free when
// the edit is undone.
type rollbackEntry struct {
	table        mm.Frame
	index        uintptr
	prevRaw      uintptr
	allocatedDir mm.Frame
}

// Rollback is an opaque, LIFO-composable token returned by Map/Unmap. Apply
// undoes exactly the edit that produced it, including freeing any
// directory pages that edit allocated along the way. Applying every
// rollback token for a transaction in reverse order of acquisition restores
// the page table to its exact prior state.
type Rollback struct {
	entries []rollbackEntry
}

// Apply reverses the edit this token represents.
func (r Rollback) Apply() {
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		table := tableAccessFn(e.table)
		table[e.index] = pteFromRaw(e.prevRaw)
		if e.allocatedDir.Valid() {
			freeTableFrame(e.allocatedDir)
		}
	}
}

// Map establishes a mapping between a virtual page and a physical frame
// under root, allocating intermediate directory pages as needed. It returns
// a Rollback token that restores the prior state (including freeing any
// directory pages this call allocated) when applied.
func Map(root mm.Frame, frame mm.Frame, virt uintptr, flags PageTableEntryFlag) (Rollback, *kernel.Error) {
	var (
		rb  Rollback
		err *kernel.Error
	)

	walk(root, virt, func(level uint8, owner mm.Frame, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			rb.entries = append(rb.entries, rollbackEntry{table: owner, index: pteIndex(virt, level), prevRaw: pte.raw(), allocatedDir: mm.InvalidFrame})
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(virt)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newDir, allocErr := allocTableFrame()
			if allocErr != nil {
				err = allocErr
				return false
			}

			table := tableAccessFn(newDir)
			for i := range table {
				table[i] = 0
			}

			rb.entries = append(rb.entries, rollbackEntry{
				table:        owner,
				index:        pteIndex(virt, level),
				prevRaw:      pte.raw(),
				allocatedDir: newDir,
			})

			*pte = 0
			pte.SetFrame(newDir)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	if err != nil {
		rb.Apply()
		return Rollback{}, err
	}

	return rb, nil
}

// Unmap clears the leaf page table entry for virt under root, returning a
// Rollback token that restores it.
func Unmap(root mm.Frame, virt uintptr) (Rollback, *kernel.Error) {
	var (
		rb  Rollback
		err *kernel.Error
	)

	walk(root, virt, func(level uint8, owner mm.Frame, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				err = ErrNotMapped
				return false
			}
			rb.entries = append(rb.entries, rollbackEntry{table: owner, index: pteIndex(virt, level), prevRaw: pte.raw(), allocatedDir: mm.InvalidFrame})
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(virt)
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}
		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return Rollback{}, err
	}

	return rb, nil
}

// Translate walks root and returns the physical address virt maps to, or
// ErrNotMapped if any level is not present.
func Translate(root mm.Frame, virt uintptr) (uintptr, *kernel.Error) {
	var (
		entry *pageTableEntry
		err   = ErrNotMapped
	)

	walk(root, virt, func(level uint8, owner mm.Frame, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if level == pageLevels-1 {
			entry = pte
			err = nil
		}
		return true
	})

	if err != nil {
		return 0, err
	}

	return entry.Frame().Address() + PageOffset(virt), nil
}

// PageOffset returns the offset within the page specified by a virtual address.
func PageOffset(virt uintptr) uintptr {
	return virt & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}

func pteIndex(virt uintptr, level uint8) uintptr {
	return (virt >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}
