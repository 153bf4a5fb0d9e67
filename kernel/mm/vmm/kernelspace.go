package vmm

import (
	"coreos/kernel"
	"coreos/kernel/mm"
)

// Section describes one kernel-image ELF section for boot mapping: its
// identity-mapped physical range plus the two flags the page table cares
// about. The boot code parses the image headers and hands the result here.
type Section struct {
	Name     string
	Start    uintptr
	Size     uintptr
	Writable bool

	// User marks the one section user space may read (the vDSO stub
	// that jumps into the shared image).
	User bool
}

// FramebufferRegion describes a memory-mapped framebuffer to identity-map
// with caching disabled.
type FramebufferRegion struct {
	Start uintptr
	Size  uintptr
}

var errBadKernelspaceSize = kernel.NewError("vmm", "kernelspace size is not page-aligned", kernel.EINVAL)

// BuildKernelSpace constructs the boot page table: [0, size) identity-mapped
// as present + global, writable only where a section says so,
// user-accessible only on sections flagged User, and the framebuffer mapped
// write-through with caching disabled. The returned table is ready to Bind;
// a failure partway is unrecoverable at boot, so no rollback is attempted.
func BuildKernelSpace(size uintptr, sections []Section, fb FramebufferRegion) (PageDirectoryTable, *kernel.Error) {
	if size%mm.PageSize != 0 {
		return PageDirectoryTable{}, errBadKernelspaceSize
	}

	pdt, err := Alloc()
	if err != nil {
		return PageDirectoryTable{}, err
	}

	for addr := uintptr(0); addr < size; addr += mm.PageSize {
		flags := FlagGlobal
		for _, s := range sections {
			if addr >= s.Start && addr < s.Start+s.Size {
				if s.Writable {
					flags |= FlagRW
				}
				if s.User {
					flags |= FlagUserAccessible
				}
			}
		}
		if _, err := Map(pdt.root, mm.FrameFromAddress(addr), addr, flags); err != nil {
			return PageDirectoryTable{}, err
		}
	}

	fbStart := fb.Start &^ (mm.PageSize - 1)
	fbEnd := fb.Start + fb.Size
	for addr := fbStart; addr < fbEnd; addr += mm.PageSize {
		fbFlags := FlagRW | FlagGlobal | FlagDoNotCache | FlagWriteThroughCaching
		if _, err := Map(pdt.root, mm.FrameFromAddress(addr), addr, fbFlags); err != nil {
			return PageDirectoryTable{}, err
		}
	}

	return pdt, nil
}
