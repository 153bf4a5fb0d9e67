package vmm

import "coreos/kernel/mm"

const (
	// pageLevels is the number of page-table levels on amd64 (PML4,
	// PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address from a page
	// table entry; on amd64 bits 12-51 hold it.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

// pageLevelBits defines the number of virtual-address bits used to index
// each page level; amd64 uses 9 bits (512 entries) per level.
var pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

// pageLevelShifts defines the shift required to extract each level's index
// component from a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uintptr

// The page table entry flags required by 3 (Mapping flag set) and 4.3/4.6
// (copy-on-write support).
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal
	FlagCopyOnWrite
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// pageTableEntry describes one page table entry: a physical frame address
// plus a set of flags. The encoding is architecture-dependent; this file is
// the amd64 encoding.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point at the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// raw returns the entry's bit pattern, used by the transaction layer to
// snapshot/restore an entry verbatim for rollback.
func (pte pageTableEntry) raw() uintptr { return uintptr(pte) }

func pteFromRaw(v uintptr) pageTableEntry { return pageTableEntry(v) }
