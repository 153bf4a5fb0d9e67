// Package cpu exposes the handful of amd64 primitives the vmm and sync
// packages need: interrupt masking, TLB control, the active page-table
// register and the two CR0/EFLAGS toggles the kernel range-write and SMAP
// scopes flip around a closure. Every function here is implemented in
// cpu_amd64.s; this file only carries the Go-visible signatures and the
// portable helpers built on top of them.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled reports whether the current CPU has interrupts enabled.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt.
func Halt()

// FlushTLBEntry flushes a single TLB entry for a particular virtual address
// (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB reloads CR3 with its current value, flushing every non-global TLB
// entry on the current CPU.
func FlushTLB()

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register (the faulting address
// left behind by the last page fault).
func ReadCR2() uint64

// DisableWriteProtect clears CR0.WP, letting kernel code write through
// read-only mappings, and returns the previous CR0 value so the caller can
// restore it.
func DisableWriteProtect() uint64

// RestoreCR0 writes back a CR0 value previously returned by
// DisableWriteProtect.
func RestoreCR0(prev uint64)

// DisableSMAP clears EFLAGS.AC, letting kernel code dereference
// user-accessible pages, and returns the previous EFLAGS value.
func DisableSMAP() uint64

// RestoreEFLAGS writes back an EFLAGS value previously returned by
// DisableSMAP.
func RestoreEFLAGS(prev uint64)

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// WithInterruptsDisabled disables interrupts, runs fn, and restores the
// prior interrupt state. It is the building block for every "this must run
// atomically with respect to the scheduler" scope in the vmm package: the
// design assumes a single serialization point during virtual-memory edits,
// and that point is "interrupts off on this CPU".
func WithInterruptsDisabled(fn func()) {
	wasEnabled := InterruptsEnabled()
	DisableInterrupts()
	defer func() {
		if wasEnabled {
			EnableInterrupts()
		}
	}()
	fn()
}

// WithWriteProtectDisabled runs fn with CR0.WP cleared so the kernel can
// patch pages mapped read-only, restoring CR0 afterwards even if fn panics.
func WithWriteProtectDisabled(fn func()) {
	prev := DisableWriteProtect()
	defer RestoreCR0(prev)
	fn()
}

// WithSMAPDisabled runs fn with EFLAGS.AC cleared so the kernel can
// dereference user-accessible pages directly, restoring EFLAGS afterwards.
func WithSMAPDisabled(fn func()) {
	prev := DisableSMAP()
	defer RestoreEFLAGS(prev)
	fn()
}
