package addrspace

import (
	"coreos/kernel"
	"coreos/kernel/mm"
	"coreos/kernel/mm/vmm"
)

// Fork produces a structurally-cloned child MemSpace: the same gaps and
// mappings, and a page-by-page duplicate of the page table in which every
// writable PTE belonging to an anonymous-private mapping is downgraded to
// read-only in both the parent's and the child's tables, with the
// underlying frame's reference count incremented once per duplicated page.
// The caller is expected to run this on a temporary kernel stack: mutating
// the PTEs backing the stack Fork itself runs on is undefined.
func (ms *MemSpace) Fork() (*MemSpace, *kernel.Error) {
	childPDT, err := vmm.Alloc()
	if err != nil {
		return nil, err
	}
	childVMem := vmm.New(childPDT, false)

	child := &MemSpace{
		vmem:     childVMem,
		gaps:     append(gapsByStart(nil), ms.gaps...),
		gapsSize: append(gapsBySize(nil), ms.gapsSize...),
	}

	for _, m := range ms.mappings {
		clone := newMapping(m.Start, m.Pages, m.Flags, m.Residence, m.Shared)
		copy(clone.frames, m.frames)
		child.mappings = append(child.mappings, clone)

		for i, frame := range m.frames {
			if !frame.Valid() {
				continue
			}

			virt := m.Start + uintptr(i)*mm.PageSize

			downgrade := !m.Shared && m.Flags&vmm.FlagRW != 0 && m.Residence.Kind == ResidenceAnonymous

			installFlags := m.Flags | vmm.FlagPresent
			if downgrade {
				installFlags = (installFlags &^ vmm.FlagRW) | vmm.FlagCopyOnWrite

				if _, err := vmm.Unmap(ms.vmem.Root(), virt); err != nil {
					return nil, err
				}
				if _, err := vmm.Map(ms.vmem.Root(), frame, virt, installFlags); err != nil {
					return nil, err
				}
			}

			if _, err := vmm.Map(childPDT.Root(), frame, virt, installFlags); err != nil {
				return nil, err
			}

			refCount.Incr(frame)
		}
	}

	return child, nil
}
