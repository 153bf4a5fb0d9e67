package addrspace

import (
	"coreos/kernel"
	"coreos/kernel/mm"
	"coreos/kernel/mm/pmm"
	"coreos/kernel/mm/vmm"
	"testing"
	"unsafe"
)

// testArena backs the whole "physical" address space used by a test: both
// vmm's direct-mapped page tables and this package's zero/copy frame access
// read and write through it, exactly as they would through the kernel's real
// direct map.
type testArena struct {
	mem       []byte
	nextFrame mm.Frame
}

const testArenaFrames = 4096

func newTestArena(t *testing.T) *testArena {
	t.Helper()
	a := &testArena{mem: make([]byte, testArenaFrames*int(mm.PageSize))}

	base := uintptr(unsafe.Pointer(&a.mem[0]))
	vmm.SetDirectMapBase(base)
	SetDirectMapBase(base)

	mm.SetFrameAllocator(func(zone mm.Zone) (mm.Frame, *kernel.Error) {
		if int(a.nextFrame) >= testArenaFrames {
			return mm.InvalidFrame, kernel.NewError("test", "arena exhausted", kernel.ENOMEM)
		}
		f := a.nextFrame
		a.nextFrame++
		return f, nil
	})
	mm.SetFrameFreer(func(mm.Frame) {})

	SetRefCount(pmm.NewRefCount())

	return a
}

func newTestMemSpace(t *testing.T) (*testArena, *MemSpace) {
	t.Helper()
	arena := newTestArena(t)

	rootFrame, err := mm.AllocFrame(mm.ZoneKernel)
	if err != nil {
		t.Fatalf("unexpected error allocating root: %v", err)
	}
	table := (*[1 << 9]uintptr)(unsafe.Pointer(uintptr(unsafe.Pointer(&arena.mem[0])) + rootFrame.Address()))
	for i := range table {
		table[i] = 0
	}

	vmem := vmm.New(vmm.FromRoot(rootFrame), true)
	ms := NewMemSpace(vmem, 0x10000, 256)
	return arena, ms
}

func TestMapThenTranslateLazy(t *testing.T) {
	_, ms := newTestMemSpace(t)

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 4, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, Residence{Kind: ResidenceAnonymous}, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := ms.Translate(start); err == nil {
		t.Fatal("expected lazy mapping to have no PTE before first fault")
	}

	res, err := ms.HandlePageFault(start, FaultCode{Write: false})
	if err != nil {
		t.Fatalf("unexpected error resolving fault: %v", err)
	}
	if res != Resolved {
		t.Fatal("expected fault to resolve")
	}

	if _, err := ms.Translate(start); err != nil {
		t.Fatalf("expected page mapped after fault: %v", err)
	}
}

func TestMapNoLazyInstallsImmediately(t *testing.T) {
	_, ms := newTestMemSpace(t)

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 2, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, Residence{Kind: ResidenceAnonymous}, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := ms.Translate(start); err != nil {
		t.Fatalf("expected noLazy mapping to be materialized: %v", err)
	}
	if _, err := ms.Translate(start + mm.PageSize); err != nil {
		t.Fatalf("expected second page materialized: %v", err)
	}
}

func TestUnmapSplitsMapping(t *testing.T) {
	_, ms := newTestMemSpace(t)

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 4, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, Residence{Kind: ResidenceAnonymous}, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// unmap the second page only, leaving a hole in the middle
	if err := ms.Unmap(start+mm.PageSize, 1); err != nil {
		t.Fatalf("unexpected error unmapping: %v", err)
	}

	if _, err := ms.Translate(start); err != nil {
		t.Fatal("expected first page to remain mapped")
	}
	if _, err := ms.Translate(start + mm.PageSize); err == nil {
		t.Fatal("expected second page to be unmapped")
	}
	if _, err := ms.Translate(start + 2*mm.PageSize); err != nil {
		t.Fatal("expected third page to remain mapped")
	}
}

func TestCanAccessRespectsFlags(t *testing.T) {
	_, ms := newTestMemSpace(t)

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 1, vmm.FlagPresent, Residence{Kind: ResidenceAnonymous}, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ms.CanAccess(start, mm.PageSize, true, false) {
		t.Fatal("expected non-user-accessible mapping to deny user access")
	}
	if ms.CanAccess(start, mm.PageSize, false, true) {
		t.Fatal("expected non-writable mapping to deny write access")
	}
	if !ms.CanAccess(start, mm.PageSize, false, false) {
		t.Fatal("expected kernel read access to be permitted")
	}
}

func TestFixedMapRejectsOverlapWithoutReplace(t *testing.T) {
	_, ms := newTestMemSpace(t)

	if _, err := ms.Map(Constraint{Kind: ConstraintFixed, Virt: 0x10000}, 2, vmm.FlagPresent|vmm.FlagRW, Residence{Kind: ResidenceAnonymous}, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := ms.Map(Constraint{Kind: ConstraintFixed, Virt: 0x10000}, 2, vmm.FlagPresent|vmm.FlagRW, Residence{Kind: ResidenceAnonymous}, false, false); err == nil {
		t.Fatal("expected overlapping fixed mapping without Replace to fail")
	}
}

func TestForkSharesFramesBetweenParentAndChild(t *testing.T) {
	_, ms := newTestMemSpace(t)

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 1, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, Residence{Kind: ResidenceAnonymous}, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	child, err := ms.Fork()
	if err != nil {
		t.Fatalf("unexpected error forking: %v", err)
	}

	parentPhys, err := ms.Translate(start)
	if err != nil {
		t.Fatalf("unexpected error translating parent: %v", err)
	}
	childPhys, err := child.Translate(start)
	if err != nil {
		t.Fatalf("unexpected error translating child: %v", err)
	}
	if parentPhys != childPhys {
		t.Fatal("expected parent and child to share the same frame immediately after fork")
	}

	frame := mm.FrameFromAddress(parentPhys)
	if !refCount.IsShared(frame) {
		t.Fatal("expected duplicated frame to be marked shared after fork")
	}
}

func TestLazyFaultsMaterializeOnlyTouchedPages(t *testing.T) {
	_, ms := newTestMemSpace(t)

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 4, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, Residence{Kind: ResidenceAnonymous}, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, virt := range []uintptr{start, start + 3*mm.PageSize} {
		res, err := ms.HandlePageFault(virt, FaultCode{Write: true, UserMode: true})
		if err != nil {
			t.Fatalf("unexpected error resolving fault at %#x: %v", virt, err)
		}
		if res != Resolved {
			t.Fatalf("expected fault at %#x to resolve", virt)
		}
	}

	phys0, err := ms.Translate(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	phys3, err := ms.Translate(start + 3*mm.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if phys0 == phys3 {
		t.Fatal("expected distinct frames for distinct faulted pages")
	}

	for _, virt := range []uintptr{start + mm.PageSize, start + 2*mm.PageSize} {
		if _, err := ms.Translate(virt); err == nil {
			t.Fatalf("expected untouched page %#x to stay unmapped", virt)
		}
	}
}

func TestForkCopyOnWriteUnsharesOnChildWrite(t *testing.T) {
	arena, ms := newTestMemSpace(t)

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 1, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, Residence{Kind: ResidenceAnonymous}, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parentPhys, err := ms.Translate(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arena.mem[parentPhys] = 0xAB

	child, err := ms.Fork()
	if err != nil {
		t.Fatalf("unexpected error forking: %v", err)
	}

	sharedFrame := mm.FrameFromAddress(parentPhys)
	if got := refCount.Count(sharedFrame); got != 2 {
		t.Fatalf("expected refcount 2 after fork; got %d", got)
	}

	res, err := child.HandlePageFault(start, FaultCode{Write: true, UserMode: true})
	if err != nil || res != Resolved {
		t.Fatalf("expected child write fault to resolve; got %v (err=%v)", res, err)
	}

	childPhys, err := child.Translate(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if childPhys == parentPhys {
		t.Fatal("expected the child to have unshared onto a new frame")
	}
	arena.mem[childPhys] = 0xCD

	if got := refCount.Count(sharedFrame); got != 1 {
		t.Fatalf("expected old frame refcount 1 after unshare; got %d", got)
	}
	if got := refCount.Count(mm.FrameFromAddress(childPhys)); got != 1 {
		t.Fatalf("expected new frame refcount 1; got %d", got)
	}

	if arena.mem[parentPhys] != 0xAB {
		t.Fatal("expected the parent's byte to survive the child's write")
	}
	if arena.mem[childPhys] != 0xCD {
		t.Fatal("expected the child's byte in the new frame")
	}
	if arena.mem[childPhys+1] != arena.mem[parentPhys+1] {
		t.Fatal("expected the rest of the page copied verbatim")
	}

	res, err = ms.HandlePageFault(start, FaultCode{Write: true, UserMode: true})
	if err != nil || res != Resolved {
		t.Fatalf("expected parent write fault to resolve in place; got %v (err=%v)", res, err)
	}
	if got, _ := ms.Translate(start); got != parentPhys {
		t.Fatal("expected the parent to keep its frame once exclusively owned")
	}
}

func TestUnmapOfUnmappedRangeIsNoOp(t *testing.T) {
	_, ms := newTestMemSpace(t)

	if err := ms.Unmap(0x10000, 4); err != nil {
		t.Fatalf("expected unmapping a free range to succeed; got %v", err)
	}

	start, err := ms.Map(Constraint{Kind: ConstraintNone}, 2, vmm.FlagPresent|vmm.FlagRW, Residence{Kind: ResidenceAnonymous}, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ms.Unmap(start, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ms.Unmap(start, 2); err != nil {
		t.Fatalf("expected the second unmap to be a no-op; got %v", err)
	}
}

func TestMapZeroPagesSucceeds(t *testing.T) {
	_, ms := newTestMemSpace(t)

	if _, err := ms.Map(Constraint{Kind: ConstraintNone}, 0, vmm.FlagPresent, Residence{Kind: ResidenceAnonymous}, false, false); err != nil {
		t.Fatalf("expected a zero-page map to succeed; got %v", err)
	}
}
