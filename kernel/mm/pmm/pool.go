// Package pmm implements the physical frame allocator and the frame
// reference counter. Each zone's memory is carved into pools that split and
// coalesce power-of-two runs of frames (binary buddy), keeping alloc and
// free at O(log frames).
package pmm

import (
	"coreos/kernel"
	"coreos/kernel/kfmt"
	"coreos/kernel/mm"
	"coreos/kernel/sync"
)

// maxOrder bounds the largest power-of-two run of frames a single pool can
// hand out in one call: 2^maxOrder pages, or 4MiB worth of 4K pages.
const maxOrder = uint8(10)

var (
	errOutOfMemory   = &kernel.Error{Module: "pmm", Message: "no free frames of the requested order", Errno: kernel.ENOMEM}
	errBadOrder      = &kernel.Error{Module: "pmm", Message: "order exceeds maximum supported order", Errno: kernel.EINVAL}
	errFrameNotOwned = &kernel.Error{Module: "pmm", Message: "frame does not belong to any pool managed by this allocator", Errno: kernel.EINVAL}
)

// pool manages a contiguous run of at most 2^maxOrder physical frames in a
// single zone using a buddy free-list scheme.
type pool struct {
	zone          mm.Zone
	base          mm.Frame
	frames        uint32
	directMapBase uintptr

	// free[order] holds the pool-relative start index of every free
	// block of size 2^order frames.
	free [maxOrder + 1][]uint32

	freeFrames uint32
	lock       sync.Spinlock
}

// newPool builds a pool covering exactly frameCount frames (which need not
// be a power of two) starting at base. The region is decomposed into the
// largest aligned power-of-two blocks that fit, standard binary-buddy
// initialization: processing bits of frameCount from the highest order down
// keeps every block's offset a multiple of its own size.
func newPool(zone mm.Zone, base mm.Frame, frameCount uint32, directMapBase uintptr) *pool {
	if frameCount > 1<<maxOrder {
		frameCount = 1 << maxOrder
	}

	p := &pool{zone: zone, base: base, directMapBase: directMapBase, frames: frameCount}

	var offset uint32
	remaining := frameCount
	for order := int(maxOrder); order >= 0; order-- {
		size := uint32(1) << uint(order)
		if remaining >= size {
			p.free[order] = append(p.free[order], offset)
			offset += size
			remaining -= size
		}
	}

	p.freeFrames = p.frames
	return p
}

// alloc reserves a run of 2^order contiguous frames from the pool.
func (p *pool) alloc(order uint8) (mm.Frame, *kernel.Error) {
	if order > maxOrder {
		return mm.InvalidFrame, errBadOrder
	}

	p.lock.Acquire()
	defer p.lock.Release()

	o := order
	for o <= maxOrder && len(p.free[o]) == 0 {
		o++
	}
	if o > maxOrder {
		return mm.InvalidFrame, errOutOfMemory
	}

	// Pop a free block of order o and split it down to the requested order,
	// pushing the unused buddy halves back onto their own free lists.
	last := len(p.free[o]) - 1
	idx := p.free[o][last]
	p.free[o] = p.free[o][:last]

	for o > order {
		o--
		buddy := idx + (1 << o)
		p.free[o] = append(p.free[o], buddy)
	}

	p.freeFrames -= 1 << order
	return p.base + mm.Frame(idx), nil
}

// freeRun releases a run of 2^order frames previously returned by alloc,
// coalescing with its buddy whenever the buddy is also free.
func (p *pool) freeRun(addr mm.Frame, order uint8) *kernel.Error {
	if addr < p.base || uint32(addr-p.base) >= p.frames {
		return errFrameNotOwned
	}

	p.lock.Acquire()
	defer p.lock.Release()

	idx := uint32(addr - p.base)
	o := order
	for o < maxOrder {
		buddy := idx ^ (1 << o)
		if !p.removeFree(o, buddy) {
			break
		}
		if buddy < idx {
			idx = buddy
		}
		o++
	}

	p.free[o] = append(p.free[o], idx)
	p.freeFrames += 1 << order
	return nil
}

// removeFree removes idx from the order-o free list if present, returning
// whether it found (and removed) it.
func (p *pool) removeFree(order uint8, idx uint32) bool {
	list := p.free[order]
	for i, v := range list {
		if v == idx {
			list[i] = list[len(list)-1]
			p.free[order] = list[:len(list)-1]
			return true
		}
	}
	return false
}

func (p *pool) owns(addr mm.Frame) bool {
	return addr >= p.base && uint32(addr-p.base) < p.frames
}

// kernelVirtualAddress returns the direct-mapped kernel-virtual address
// backing a frame, satisfying the requirement that allocated frames be
// reachable for zero-init without going through a full page-table walk.
func (p *pool) kernelVirtualAddress(addr mm.Frame) uintptr {
	return p.directMapBase + addr.Address()
}

func (p *pool) printStats(label string) {
	kfmt.Logf(kfmt.LevelInfo, "pmm", "pool %s: %d/%d frames free", label, p.freeFrames, p.frames)
}
