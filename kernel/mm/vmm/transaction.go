package vmm

import (
	"coreos/kernel"
	"coreos/kernel/cpu"
	"coreos/kernel/mm"
)

// KernelRangeStart is the first virtual address reserved for the kernel's
// half of the address space on amd64 (the canonical higher half). Any map or
// unmap touching an address at or above this boundary is a kernel-range
// edit.
const KernelRangeStart = uintptr(0xffff800000000000)

var errKernelRangeDenied = &kernel.Error{Module: "vmm", Message: "kernel-range edit attempted from a non-kernel context", Errno: kernel.ENOMEM}

// VMem wraps a page-table root with the permission to edit the kernel half
// of the address space. kernelAllowed is true only for the single VMem that
// backs the kernel's own address space; every other MemSpace's VMem (one per
// process) gets one with kernelAllowed false and is denied kernel-range
// edits.
type VMem struct {
	pdt           PageDirectoryTable
	kernelAllowed bool
}

// New wraps an already-allocated page directory table. kernelAllowed must be
// true only for the kernel's own VMem.
func New(pdt PageDirectoryTable, kernelAllowed bool) *VMem {
	return &VMem{pdt: pdt, kernelAllowed: kernelAllowed}
}

// Root returns the physical frame backing this VMem's page table.
func (v *VMem) Root() mm.Frame { return v.pdt.Root() }

// inKernelRange reports whether [virt, virt+pages*PageSize) overlaps the
// kernel half of the address space.
func inKernelRange(virt uintptr, pages uintptr) bool {
	end := virt + pages*mm.PageSize
	return virt >= KernelRangeStart || end > KernelRangeStart
}

// Transaction accumulates page-table edits against a single VMem. Edits
// collect rollback tokens as they are applied; Commit drops the log and
// makes every edit permanent, while Rollback (typically deferred) replays
// them in reverse, restoring the table to the state it had when the
// transaction was opened. Nothing is rolled back implicitly: a transaction
// that is neither committed nor rolled back leaves its edits in place.
type Transaction struct {
	vmem      *VMem
	rollbacks []Rollback
	committed bool
}

// Transaction borrows v exclusively for the duration of the returned
// object's use. Callers must either Commit it or call Rollback to restore
// the prior state; letting it go out of scope does neither.
func (v *VMem) Transaction() *Transaction {
	return &Transaction{vmem: v}
}

// Map installs a single PTE. Failure leaves the transaction able to restore
// the table to its pre-Map state via Rollback.
func (t *Transaction) Map(phys mm.Frame, virt uintptr, flags PageTableEntryFlag) *kernel.Error {
	if !t.vmem.kernelAllowed && inKernelRange(virt, 1) {
		return errKernelRangeDenied
	}

	rb, err := Map(t.vmem.pdt.Root(), phys, virt, flags)
	if err != nil {
		return err
	}
	t.rollbacks = append(t.rollbacks, rb)
	InvalidatePage(virt)
	return nil
}

// MapRange installs PTEs for `pages` consecutive pages starting at virt,
// mapped to consecutive physical frames starting at phys. On any failure
// midway, every page mapped so far by this call (and nothing from an
// earlier call on the same transaction) is rolled back before returning the
// error, keeping the transaction's own rollback log consistent with what is
// actually installed.
func (t *Transaction) MapRange(phys mm.Frame, virt uintptr, pages uintptr, flags PageTableEntryFlag) *kernel.Error {
	if !t.vmem.kernelAllowed && inKernelRange(virt, pages) {
		return errKernelRangeDenied
	}

	var applied []Rollback
	for i := uintptr(0); i < pages; i++ {
		rb, err := Map(t.vmem.pdt.Root(), phys+mm.Frame(i), virt+i*mm.PageSize, flags)
		if err != nil {
			for j := len(applied) - 1; j >= 0; j-- {
				applied[j].Apply()
			}
			return err
		}
		applied = append(applied, rb)
		InvalidatePage(virt + i*mm.PageSize)
	}

	t.rollbacks = append(t.rollbacks, applied...)
	return nil
}

// Unmap clears a single PTE.
func (t *Transaction) Unmap(virt uintptr) *kernel.Error {
	if !t.vmem.kernelAllowed && inKernelRange(virt, 1) {
		return errKernelRangeDenied
	}

	rb, err := Unmap(t.vmem.pdt.Root(), virt)
	if err != nil {
		return err
	}
	t.rollbacks = append(t.rollbacks, rb)
	InvalidatePage(virt)
	return nil
}

// UnmapRange clears PTEs for `pages` consecutive pages starting at virt,
// with the same midway-failure rollback discipline as MapRange.
func (t *Transaction) UnmapRange(virt uintptr, pages uintptr) *kernel.Error {
	if !t.vmem.kernelAllowed && inKernelRange(virt, pages) {
		return errKernelRangeDenied
	}

	var applied []Rollback
	for i := uintptr(0); i < pages; i++ {
		rb, err := Unmap(t.vmem.pdt.Root(), virt+i*mm.PageSize)
		if err != nil {
			for j := len(applied) - 1; j >= 0; j-- {
				applied[j].Apply()
			}
			return err
		}
		applied = append(applied, rb)
		InvalidatePage(virt + i*mm.PageSize)
	}

	t.rollbacks = append(t.rollbacks, applied...)
	return nil
}

// Commit drops the rollback log, making every edit in this transaction
// permanent. It does not flush the TLB globally; callers that need every CPU
// to observe the change must call FlushTLB (or cross-CPU shootdown,
// out of scope for this core) themselves.
func (t *Transaction) Commit() {
	t.rollbacks = nil
	t.committed = true
}

// Rollback undoes every edit made through this transaction, in reverse
// order of acquisition, restoring the page table to the state it had when
// the transaction was opened. It is a no-op once Commit has been called.
func (t *Transaction) Rollback() {
	if t.committed {
		return
	}
	for i := len(t.rollbacks) - 1; i >= 0; i-- {
		t.rollbacks[i].Apply()
	}
	t.rollbacks = nil
}

// Switch temporarily binds vmem as the active page table, runs fn, then
// restores whatever was bound before. Interrupts are disabled for the
// duration: if the scheduler preempted this CPU mid-switch it could resume a
// different task under the wrong address space.
func Switch(vmem *VMem, fn func()) {
	cpu.WithInterruptsDisabled(func() {
		prev := activePDTFn()
		vmem.pdt.Bind()
		defer switchPDTFn(prev)
		fn()
	})
}

// WithKernelRangeWritable runs fn with CR0.WP cleared, letting kernel code
// write through page tables mapped read-only (e.g. to patch text pages),
// restoring CR0 when fn returns.
func WithKernelRangeWritable(fn func()) {
	cpu.WithWriteProtectDisabled(fn)
}

// WithUserAccessAllowed runs fn with EFLAGS.AC cleared, letting kernel code
// dereference user-accessible pages directly without tripping SMAP,
// restoring EFLAGS when fn returns.
func WithUserAccessAllowed(fn func()) {
	cpu.WithSMAPDisabled(fn)
}
