// Package vdso loads the prebuilt user-visible image that is statically
// linked into the kernel binary and maps it into user address spaces. The
// image's frames are allocated once, owned by the kernel for the system's
// lifetime and shared read-only by every address space that maps them.
package vdso

import (
	"coreos/kernel"
	"coreos/kernel/mm"
	"coreos/kernel/mm/addrspace"
	"coreos/kernel/mm/vmm"
	"coreos/kernel/sync"
	"unsafe"
)

var (
	errNoImage = kernel.NewError("vdso", "no image registered", kernel.ENOENT)
	errOOM     = kernel.NewError("vdso", "out of memory while loading image", kernel.ENOMEM)
)

// image is the raw ELF bytes linked into the kernel; SetImage installs them
// during early boot, before the first user process is built.
var image []byte

// entryOffset is the image's entry point, relative to its load address. The
// ELF header parse that discovers it belongs to the loader.
var entryOffset uintptr

// loaded guards the one-time copy of the image into kernel frames.
var loaded struct {
	lock   sync.Spinlock
	frames []mm.Frame
	pages  uintptr
}

// directMapBase mirrors the vmm/addrspace setting so the loader can copy
// image bytes into freshly allocated frames.
var directMapBase uintptr

// SetDirectMapBase configures the kernel-virtual offset of the physical
// direct map. It must match vmm.SetDirectMapBase.
func SetDirectMapBase(base uintptr) { directMapBase = base }

// SetImage registers the image bytes and entry offset. Called once at boot;
// once the image has been loaded into frames, a later call changes nothing
// that MapInto maps: load keeps the frames it filled first.
func SetImage(img []byte, entry uintptr) {
	image = img
	entryOffset = entry
}

// load copies the image into kernel-zone frames, page by page, zero-padding
// the tail of the last page. It runs at most once.
func load() *kernel.Error {
	loaded.lock.Acquire()
	defer loaded.lock.Release()

	if loaded.frames != nil {
		return nil
	}
	if len(image) == 0 {
		return errNoImage
	}

	pages := (uintptr(len(image)) + mm.PageSize - 1) / mm.PageSize
	frames := make([]mm.Frame, 0, pages)

	for i := uintptr(0); i < pages; i++ {
		frame, err := mm.AllocFrame(mm.ZoneKernel)
		if err != nil {
			for _, f := range frames {
				mm.FreeFrame(f)
			}
			return errOOM
		}

		dst := directMapBase + frame.Address()
		kernel.Memzero(dst, mm.PageSize)

		off := i * mm.PageSize
		chunk := uintptr(len(image)) - off
		if chunk > mm.PageSize {
			chunk = mm.PageSize
		}
		kernel.Memcopy(dst, uintptr(unsafe.Pointer(&image[off])), chunk)

		frames = append(frames, frame)
	}

	loaded.frames = frames
	loaded.pages = pages
	return nil
}

// Mapped describes where the image landed in one address space.
type Mapped struct {
	Base  uintptr
	Entry uintptr
}

// MapInto maps the image into ms as a read-only, user-accessible, non-lazy
// mapping over the shared kernel frames. Every address space gets its own
// mapping but the same physical pages.
func MapInto(ms *addrspace.MemSpace) (Mapped, *kernel.Error) {
	if err := load(); err != nil {
		return Mapped{}, err
	}

	residence := addrspace.Residence{
		Kind:         addrspace.ResidenceStatic,
		StaticFrames: loaded.frames,
	}

	base, err := ms.Map(addrspace.Constraint{Kind: addrspace.ConstraintNone},
		loaded.pages, vmm.FlagUserAccessible, residence, false, true)
	if err != nil {
		return Mapped{}, err
	}

	return Mapped{Base: base, Entry: base + entryOffset}, nil
}

// reset drops the loaded frames, used by tests that rebuild the physical
// arena between cases.
func reset() {
	loaded.lock.Acquire()
	loaded.frames = nil
	loaded.pages = 0
	loaded.lock.Release()
}
