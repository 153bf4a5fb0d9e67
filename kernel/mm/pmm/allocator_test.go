package pmm

import (
	"coreos/kernel/mm"
	"testing"
)

func testAllocator() *Allocator {
	return NewAllocator([]Region{
		{Zone: mm.ZoneKernel, Start: mm.Frame(0), Frames: 64, DirectMapBase: 0xffff800000000000},
		{Zone: mm.ZoneUser, Start: mm.Frame(1000), Frames: 64, DirectMapBase: 0},
	})
}

func TestAllocatorAllocFree(t *testing.T) {
	a := testAllocator()

	f, err := a.Alloc(0, mm.ZoneKernel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f < mm.Frame(0) || f >= mm.Frame(64) {
		t.Fatalf("frame %v out of kernel zone range", f)
	}

	if err := a.Free(f, 0); err != nil {
		t.Fatalf("unexpected error freeing frame: %v", err)
	}

	// The frame is freed only once: the pool keeps no record of which
	// frames are in use, so it has no double-free guard to exercise.
}

func TestAllocatorZoneIsolation(t *testing.T) {
	a := testAllocator()

	f, err := a.Alloc(0, mm.ZoneUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f < mm.Frame(1000) {
		t.Fatalf("expected frame from user zone (>=1000); got %v", f)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator([]Region{{Zone: mm.ZoneKernel, Start: 0, Frames: 4}})

	var got []mm.Frame
	for i := 0; i < 4; i++ {
		f, err := a.Alloc(0, mm.ZoneKernel)
		if err != nil {
			t.Fatalf("unexpected OOM on alloc %d: %v", i, err)
		}
		got = append(got, f)
	}

	if _, err := a.Alloc(0, mm.ZoneKernel); err == nil {
		t.Fatal("expected OUT_OF_MEMORY once the pool is exhausted")
	}

	// Returning one frame must make exactly one more allocation possible.
	if err := a.Free(got[0], 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Alloc(0, mm.ZoneKernel); err != nil {
		t.Fatalf("expected alloc to succeed after free: %v", err)
	}
}

func TestAllocatorHigherOrderSplitsAndCoalesces(t *testing.T) {
	a := NewAllocator([]Region{{Zone: mm.ZoneKernel, Start: 0, Frames: 16}})

	big, err := a.Alloc(2, mm.ZoneKernel) // 4 contiguous frames
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The remaining 12 frames must still be allocatable one at a time.
	for i := 0; i < 12; i++ {
		if _, err := a.Alloc(0, mm.ZoneKernel); err != nil {
			t.Fatalf("alloc %d: unexpected error: %v", i, err)
		}
	}

	if err := a.Free(big, 2); err != nil {
		t.Fatalf("unexpected error freeing order-2 block: %v", err)
	}

	if _, err := a.Alloc(2, mm.ZoneKernel); err != nil {
		t.Fatalf("expected coalesced order-2 block to be allocatable again: %v", err)
	}
}

func TestAllocatorKernelVirtualAddress(t *testing.T) {
	a := testAllocator()

	f, err := a.Alloc(0, mm.ZoneKernel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	addr, err := a.KernelVirtualAddress(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != 0xffff800000000000+f.Address() {
		t.Fatalf("unexpected kernel-virtual address: %x", addr)
	}
}
