package vmm

import (
	"coreos/kernel"
	"coreos/kernel/mm"
	"testing"
)

// fakeTables backs tableAccessFn/allocTableFrame/freeTableFrame with plain
// Go memory so tests can exercise the arch driver without a real direct map
// or MMU.
type fakeTables struct {
	tables map[mm.Frame]*pageTable
	next   mm.Frame
	freed  map[mm.Frame]bool
}

func newFakeTables() *fakeTables {
	return &fakeTables{tables: make(map[mm.Frame]*pageTable), freed: make(map[mm.Frame]bool)}
}

func (f *fakeTables) alloc() (mm.Frame, *kernel.Error) {
	frame := f.next
	f.next++
	f.tables[frame] = &pageTable{}
	return frame, nil
}

func (f *fakeTables) free(frame mm.Frame) {
	f.freed[frame] = true
	delete(f.tables, frame)
}

func (f *fakeTables) access(frame mm.Frame) *pageTable {
	t, ok := f.tables[frame]
	if !ok {
		panic("access of frame never allocated by this test harness")
	}
	return t
}

func withFakeTables(t *testing.T) *fakeTables {
	t.Helper()
	f := newFakeTables()

	origAccess, origAlloc, origFree, origFlush, origFlushAll := tableAccessFn, allocTableFrame, freeTableFrame, flushTLBEntryFn, flushTLBFn
	tableAccessFn = f.access
	allocTableFrame = f.alloc
	freeTableFrame = f.free
	flushTLBEntryFn = func(uintptr) {}
	flushTLBFn = func() {}

	t.Cleanup(func() {
		tableAccessFn, allocTableFrame, freeTableFrame, flushTLBEntryFn, flushTLBFn = origAccess, origAlloc, origFree, origFlush, origFlushAll
	})

	return f
}

func newRoot(t *testing.T, f *fakeTables) mm.Frame {
	t.Helper()
	root, err := f.alloc()
	if err != nil {
		t.Fatalf("unexpected error allocating root: %v", err)
	}
	return root
}

func TestMapTranslateUnmap(t *testing.T) {
	f := withFakeTables(t)
	root := newRoot(t, f)

	virt := uintptr(0x0000123456789000)
	phys := mm.Frame(0xabc)

	rb, err := Map(root, phys, virt, FlagPresent|FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := Translate(root, virt)
	if err != nil {
		t.Fatalf("unexpected error translating: %v", err)
	}
	if want := phys.Address(); got != want {
		t.Fatalf("expected translate to return %x; got %x", want, got)
	}

	if _, err := Unmap(root, virt); err != nil {
		t.Fatalf("unexpected error unmapping: %v", err)
	}

	if _, err := Translate(root, virt); err == nil {
		t.Fatal("expected translate to fail after unmap")
	}

	// rb was already consumed by the page being live; applying it now
	// should restore the pre-map (not-present) state without error.
	rb.Apply()
}

func TestMapAllocatesIntermediateDirectoriesAndRollbackFreesThem(t *testing.T) {
	f := withFakeTables(t)
	root := newRoot(t, f)

	virt := uintptr(0x0000555500001000)
	phys := mm.Frame(42)

	tablesBefore := len(f.tables)

	rb, err := Map(root, phys, virt, FlagPresent|FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.tables) <= tablesBefore {
		t.Fatal("expected Map to allocate intermediate directory tables")
	}

	rb.Apply()

	if _, err := Translate(root, virt); err == nil {
		t.Fatal("expected translate to fail after rollback")
	}

	if len(f.freed) == 0 {
		t.Fatal("expected rollback to free the directory pages it allocated")
	}
}

func TestMapRollbackOnMidWalkFailure(t *testing.T) {
	f := withFakeTables(t)
	root := newRoot(t, f)

	origAlloc := allocTableFrame
	defer func() { allocTableFrame = origAlloc }()

	callCount := 0
	allocTableFrame = func() (mm.Frame, *kernel.Error) {
		callCount++
		if callCount == 2 {
			return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "simulated OOM", Errno: kernel.ENOMEM}
		}
		return f.alloc()
	}

	virt := uintptr(0x0000666600002000)
	if _, err := Map(root, mm.Frame(7), virt, FlagPresent|FlagRW); err == nil {
		t.Fatal("expected Map to fail when the allocator runs out of frames mid-walk")
	}

	if _, err := Translate(root, virt); err == nil {
		t.Fatal("expected translate to fail: a failed Map must leave no partial mapping")
	}
}

func TestUnmapOfUnmappedAddressFails(t *testing.T) {
	f := withFakeTables(t)
	root := newRoot(t, f)

	if _, err := Unmap(root, 0x1000); err == nil {
		t.Fatal("expected Unmap of a never-mapped address to fail")
	}
}

func TestBindAndIsBound(t *testing.T) {
	withFakeTables(t)

	var bound uintptr
	origSwitch, origActive := switchPDTFn, activePDTFn
	defer func() { switchPDTFn, activePDTFn = origSwitch, origActive }()

	switchPDTFn = func(addr uintptr) { bound = addr }
	activePDTFn = func() uintptr { return bound }

	pdt := PageDirectoryTable{root: mm.Frame(5)}
	if pdt.IsBound() {
		t.Fatal("table must not be reported bound before Bind is called")
	}

	pdt.Bind()

	if !pdt.IsBound() {
		t.Fatal("expected table to be reported bound after Bind")
	}
}
