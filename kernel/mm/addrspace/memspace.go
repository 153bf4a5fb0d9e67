package addrspace

import (
	"coreos/kernel"
	"coreos/kernel/mm"
	"coreos/kernel/mm/pmm"
	"coreos/kernel/mm/vmm"
	"sort"
)

var refCount *pmm.RefCount

// SetRefCount registers the shared frame reference counter addrspace
// consults when materializing and unsharing mapping pages.
func SetRefCount(rc *pmm.RefCount) { refCount = rc }

// ConstraintKind selects how Map interprets the requested virtual address.
type ConstraintKind uint8

const (
	// ConstraintNone lets Map pick any sufficiently large gap.
	ConstraintNone ConstraintKind = iota
	// ConstraintMinimum requires the returned address to be >= Virt.
	ConstraintMinimum
	// ConstraintFixed requires the mapping to start exactly at Virt.
	ConstraintFixed
)

// Constraint narrows where Map may place a new mapping.
type Constraint struct {
	Kind ConstraintKind
	Virt uintptr
	// Replace, when Kind == ConstraintFixed, causes an overlapping
	// mapping to be unmapped rather than the call failing.
	Replace bool
}

var (
	errNoSpace = kernel.NewError("addrspace", "no gap large enough to satisfy the mapping request", kernel.ENOMEM)
	errOverlap = kernel.NewError("addrspace", "fixed mapping request overlaps an existing mapping", kernel.EEXIST)
)

// MemSpace is a process's virtual address space: a page table plus the
// gaps/mappings bookkeeping layered over it.
type MemSpace struct {
	vmem *vmm.VMem

	gaps     gapsByStart
	gapsSize gapsBySize

	mappings []*Mapping // sorted by Start
}

// NewMemSpace creates an address space covering [start, start+pages) as a
// single initial gap, backed by vmem.
func NewMemSpace(vmem *vmm.VMem, start uintptr, pages uintptr) *MemSpace {
	g := gap{start: start, pages: pages}
	return &MemSpace{
		vmem:     vmem,
		gaps:     gapsByStart{g},
		gapsSize: gapsBySize{g},
	}
}

func (ms *MemSpace) insertGap(g gap) {
	ms.gaps = append(ms.gaps, g)
	sort.Sort(ms.gaps)
	ms.gapsSize = append(ms.gapsSize, g)
	sort.Sort(ms.gapsSize)
}

func (ms *MemSpace) removeGapAt(start uintptr) {
	for i, g := range ms.gaps {
		if g.start == start {
			ms.gaps = append(ms.gaps[:i], ms.gaps[i+1:]...)
			break
		}
	}
	for i, g := range ms.gapsSize {
		if g.start == start {
			ms.gapsSize = append(ms.gapsSize[:i], ms.gapsSize[i+1:]...)
			break
		}
	}
}

func (ms *MemSpace) insertMapping(m *Mapping) {
	i := sort.Search(len(ms.mappings), func(i int) bool { return ms.mappings[i].Start >= m.Start })
	ms.mappings = append(ms.mappings, nil)
	copy(ms.mappings[i+1:], ms.mappings[i:])
	ms.mappings[i] = m
}

func (ms *MemSpace) removeMappingAt(i int) {
	ms.mappings = append(ms.mappings[:i], ms.mappings[i+1:]...)
}

// mappingAt returns the mapping covering virt, or nil.
func (ms *MemSpace) mappingAt(virt uintptr) (int, *Mapping) {
	for i, m := range ms.mappings {
		if m.contains(virt) {
			return i, m
		}
	}
	return -1, nil
}

// findGap locates the smallest gap with enough room at or after minStart to
// satisfy pages. gapsSize is sorted ascending by total size, so the first
// gap whose usable portion (from max(start, minStart) to its end) is large
// enough is also the smallest such gap.
func (ms *MemSpace) findGap(pages uintptr, minStart uintptr) (int, bool) {
	for i, g := range ms.gapsSize {
		usableStart := g.start
		if minStart > usableStart {
			usableStart = minStart
		}
		if usableStart >= g.end() {
			continue
		}
		if (g.end()-usableStart)/mm.PageSize < pages {
			continue
		}
		return i, true
	}
	return -1, false
}

// Map reserves pages pages of virtual address space under constraint,
// installs a new Mapping over it, and returns the start address. Page
// tables are left untouched (pages resolve lazily on first fault) unless
// noLazy is set, in which case every PTE is installed immediately.
func (ms *MemSpace) Map(constraint Constraint, pages uintptr, flags vmm.PageTableEntryFlag, residence Residence, shared bool, noLazy bool) (uintptr, *kernel.Error) {
	var start uintptr

	switch constraint.Kind {
	case ConstraintFixed:
		end := constraint.Virt + pages*mm.PageSize
		for i := 0; i < len(ms.mappings); {
			m := ms.mappings[i]
			if m.Start >= end || m.end() <= constraint.Virt {
				i++
				continue
			}
			if !constraint.Replace {
				return 0, errOverlap
			}
			if err := ms.unmapMappingRange(i, m); err != nil {
				return 0, err
			}
		}
		if err := ms.carveFixed(constraint.Virt, pages); err != nil {
			return 0, err
		}
		start = constraint.Virt

	default:
		minStart := uintptr(0)
		if constraint.Kind == ConstraintMinimum {
			minStart = constraint.Virt
		}
		idx, ok := ms.findGap(pages, minStart)
		if !ok {
			return 0, errNoSpace
		}
		g := ms.gapsSize[idx]
		start = g.start
		if minStart > g.start {
			start = minStart
		}

		ms.removeGapAt(g.start)
		ms.splitGapAround(g, start, pages)
	}

	m := newMapping(start, pages, flags, residence, shared)
	ms.insertMapping(m)

	if noLazy {
		for i := uintptr(0); i < pages; i++ {
			if err := m.resolve(ms.vmem.Root(), i, false); err != nil {
				// Release whatever materialized before the failure
				// and hand the range back as a gap.
				ms.Unmap(start, pages)
				return 0, err
			}
		}
	}

	return start, nil
}

// unmapMappingRange drops m's entire range, used when a fixed Map request
// replaces an overlapping mapping outright.
func (ms *MemSpace) unmapMappingRange(idx int, m *Mapping) *kernel.Error {
	return ms.unmapRange(idx, m, m.Start, m.end())
}

// carveFixed removes [virt, virt+pages*PageSize) from whichever gap(s)
// contain it, failing if the range is not entirely free.
func (ms *MemSpace) carveFixed(virt uintptr, pages uintptr) *kernel.Error {
	end := virt + pages*mm.PageSize
	for _, g := range ms.gaps {
		if g.start <= virt && end <= g.end() {
			ms.removeGapAt(g.start)
			ms.splitGapAround(g, virt, pages)
			return nil
		}
	}
	return errNoSpace
}

// splitGapAround removes [start, start+pages*PageSize) from g and re-inserts
// whatever remains on either side.
func (ms *MemSpace) splitGapAround(g gap, start uintptr, pages uintptr) {
	reqEnd := start + pages*mm.PageSize

	if start > g.start {
		ms.insertGap(gap{start: g.start, pages: (start - g.start) / mm.PageSize})
	}
	if reqEnd < g.end() {
		ms.insertGap(gap{start: reqEnd, pages: (g.end() - reqEnd) / mm.PageSize})
	}
}

func (ms *MemSpace) removeMappingBy(target *Mapping) {
	for i, m := range ms.mappings {
		if m == target {
			ms.removeMappingAt(i)
			return
		}
	}
}

// Unmap releases [virt, virt+pages*PageSize). Partial coverage at either end
// splits that mapping; subranges that are already unmapped are skipped, so
// unmapping a fully free range is a no-op.
func (ms *MemSpace) Unmap(virt uintptr, pages uintptr) *kernel.Error {
	end := virt + pages*mm.PageSize

	for virt < end {
		idx, m := ms.mappingAt(virt)
		if m == nil {
			virt = ms.nextMappingStart(virt, end)
			continue
		}

		segEnd := end
		if m.end() < segEnd {
			segEnd = m.end()
		}

		if err := ms.unmapRange(idx, m, virt, segEnd); err != nil {
			return err
		}

		virt = segEnd
	}

	return nil
}

// nextMappingStart returns the start of the first mapping after virt, capped
// at limit.
func (ms *MemSpace) nextMappingStart(virt, limit uintptr) uintptr {
	next := limit
	for _, m := range ms.mappings {
		if m.Start > virt && m.Start < next {
			next = m.Start
		}
	}
	return next
}

// unmapRange drops [from, to) out of mapping m (located at ms.mappings[idx]),
// releasing each page's physical frame and freeing it if this was the last
// reference to an anonymous page, then replacing the freed range with a gap
// coalesced against its neighbors.
func (ms *MemSpace) unmapRange(idx int, m *Mapping, from, to uintptr) *kernel.Error {
	tx := ms.vmem.Transaction()

	for v := from; v < to; v += mm.PageSize {
		pageIndex := (v - m.Start) / mm.PageSize
		frame := m.frames[pageIndex]
		if frame.Valid() {
			if err := tx.Unmap(v); err != nil {
				tx.Rollback()
				return err
			}
			if refCount.Decr(frame) && m.Residence.Kind == ResidenceAnonymous {
				mm.FreeFrame(frame)
			}
			m.frames[pageIndex] = mm.InvalidFrame
		}
	}
	tx.Commit()

	pages := (to - from) / mm.PageSize

	switch {
	case from == m.Start && to == m.end():
		ms.removeMappingAt(idx)
	case from == m.Start:
		m.Start = to
		m.Pages -= pages
		m.frames = m.frames[pages:]
	case to == m.end():
		m.Pages -= pages
		m.frames = m.frames[:m.Pages]
	default:
		tailPages := (m.end() - to) / mm.PageSize
		tail := newMapping(to, tailPages, m.Flags, m.Residence, m.Shared)
		copy(tail.frames, m.frames[(to-m.Start)/mm.PageSize:])
		m.Pages = (from - m.Start) / mm.PageSize
		m.frames = m.frames[:m.Pages]
		ms.insertMapping(tail)
	}

	ms.addGapCoalesced(gap{start: from, pages: pages})
	return nil
}

// addGapCoalesced inserts g, merging it with an immediately adjacent gap on
// either side if one exists.
func (ms *MemSpace) addGapCoalesced(g gap) {
	for _, existing := range ms.gaps {
		if existing.end() == g.start {
			ms.removeGapAt(existing.start)
			g = gap{start: existing.start, pages: existing.pages + g.pages}
			break
		}
	}
	for _, existing := range ms.gaps {
		if g.end() == existing.start {
			ms.removeGapAt(existing.start)
			g = gap{start: g.start, pages: g.pages + existing.pages}
			break
		}
	}
	ms.insertGap(g)
}

// Translate performs a pure page-table walk; it does not consult or
// materialize mappings.
func (ms *MemSpace) Translate(virt uintptr) (uintptr, *kernel.Error) {
	return vmm.Translate(ms.vmem.Root(), virt)
}

// CanAccess reports whether every page in [virt, virt+len) lies within a
// mapping whose flags admit the requested access mode.
func (ms *MemSpace) CanAccess(virt uintptr, length uintptr, user bool, write bool) bool {
	end := virt + length
	for v := virt; v < end; {
		_, m := ms.mappingAt(v)
		if m == nil {
			return false
		}
		if user && m.Flags&vmm.FlagUserAccessible == 0 {
			return false
		}
		if write && m.Flags&vmm.FlagRW == 0 {
			return false
		}
		v = m.end()
	}
	return true
}

// FaultCode describes the hardware-reported circumstances of a page fault.
type FaultCode struct {
	Write               bool
	UserMode            bool
	KernelRingViolation bool
}

// Resolution is the outcome of handling a page fault.
type Resolution uint8

const (
	// Unresolved means the fault must be delivered to the faulting task
	// (e.g. as SIGSEGV) rather than serviced transparently.
	Unresolved Resolution = iota
	// Resolved means the fault was serviced and the faulting instruction
	// can be retried.
	Resolved
)

// HandlePageFault services a fault at virt: if no mapping covers it, or the
// access violates the ring the fault occurred in, it reports Unresolved;
// otherwise it delegates to the mapping's resolver and, on success,
// invalidates the affected PTE on this CPU.
func (ms *MemSpace) HandlePageFault(virt uintptr, code FaultCode) (Resolution, *kernel.Error) {
	if code.KernelRingViolation {
		return Unresolved, nil
	}

	_, m := ms.mappingAt(virt)
	if m == nil {
		return Unresolved, nil
	}

	pageIndex := (virt - m.Start) / mm.PageSize
	if err := m.resolve(ms.vmem.Root(), pageIndex, code.Write); err != nil {
		return Unresolved, err
	}

	vmm.InvalidatePage(virt)
	return Resolved, nil
}
