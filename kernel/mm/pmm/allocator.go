package pmm

import (
	"coreos/kernel"
	"coreos/kernel/mm"
)

// Region describes a physical memory range available to a single zone,
// expressed as a frame range [Start, Start+Frames). The boot-time collector
// (multiboot memory map parsing, out of scope for this core) is expected to
// partition physical RAM into regions and hand them to NewAllocator.
type Region struct {
	Zone          mm.Zone
	Start         mm.Frame
	Frames        uint32
	DirectMapBase uintptr
}

// Allocator hands out and reclaims page-sized (or 2^order-page) physical
// frames, split by zone.
type Allocator struct {
	pools map[mm.Zone][]*pool
}

// NewAllocator builds an allocator over the given regions. Each region
// becomes one or more buddy pools of at most 2^maxOrder frames; a region
// larger than that is split into several pools so odd-sized regions (as
// reported by a real memory map) do not need to be a power of two overall.
func NewAllocator(regions []Region) *Allocator {
	a := &Allocator{pools: make(map[mm.Zone][]*pool)}

	for _, r := range regions {
		remaining := r.Frames
		base := r.Start
		for remaining > 0 {
			chunk := remaining
			if chunk > 1<<maxOrder {
				chunk = 1 << maxOrder
			}
			p := newPool(r.Zone, base, chunk, r.DirectMapBase)
			a.pools[r.Zone] = append(a.pools[r.Zone], p)
			remaining -= chunk
			base += mm.Frame(chunk)
		}
	}

	return a
}

// Alloc reserves 2^order contiguous physical frames from the given zone.
func (a *Allocator) Alloc(order uint8, zone mm.Zone) (mm.Frame, *kernel.Error) {
	var lastErr *kernel.Error = errOutOfMemory
	for _, p := range a.pools[zone] {
		frame, err := p.alloc(order)
		if err == nil {
			return frame, nil
		}
		lastErr = err
	}
	return mm.InvalidFrame, lastErr
}

// Free releases 2^order contiguous physical frames previously obtained from
// Alloc.
func (a *Allocator) Free(addr mm.Frame, order uint8) *kernel.Error {
	for _, zonePools := range a.pools {
		for _, p := range zonePools {
			if p.owns(addr) {
				return p.freeRun(addr, order)
			}
		}
	}
	return errFrameNotOwned
}

// KernelVirtualAddress returns the kernel-virtual address at which an
// allocated frame can be accessed directly, e.g. to zero-fill it before
// handing it to a mapping resolver.
func (a *Allocator) KernelVirtualAddress(addr mm.Frame) (uintptr, *kernel.Error) {
	for _, zonePools := range a.pools {
		for _, p := range zonePools {
			if p.owns(addr) {
				return p.kernelVirtualAddress(addr), nil
			}
		}
	}
	return 0, errFrameNotOwned
}

// PrintStats logs per-pool free/total frame counts for every zone.
func (a *Allocator) PrintStats() {
	for zone, zonePools := range a.pools {
		for i, p := range zonePools {
			label := zoneLabel(zone)
			p.printStats(label)
			_ = i
		}
	}
}

func zoneLabel(z mm.Zone) string {
	switch z {
	case mm.ZoneKernel:
		return "kernel"
	case mm.ZoneUser:
		return "user"
	default:
		return "unknown"
	}
}

// Bind registers this allocator with the mm package so AllocFrame calls from
// vmm/addrspace route to it. mm.AllocFrame only ever requests single pages
// (order 0); higher-order runs are only handed out by calling Alloc directly.
func (a *Allocator) Bind() {
	mm.SetFrameAllocator(func(zone mm.Zone) (mm.Frame, *kernel.Error) {
		return a.Alloc(0, zone)
	})
	mm.SetFrameFreer(func(frame mm.Frame) {
		_ = a.Free(frame, 0)
	})
}
