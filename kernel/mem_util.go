package kernel

import "unsafe"

const wordSize = unsafe.Sizeof(uintptr(0))

// bytesAt materializes a byte slice over size bytes of raw memory at addr.
// Callers hand in direct-map addresses of physical frames; the slice is only
// valid while that mapping is.
func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Memzero clears size bytes starting at addr. The hot callers are the
// mapping resolvers zero-filling freshly allocated frames, which are always
// page-aligned, so the aligned middle is cleared a word at a time and only
// the edges fall back to byte stores.
func Memzero(addr, size uintptr) {
	for size > 0 && addr%wordSize != 0 {
		*(*byte)(unsafe.Pointer(addr)) = 0
		addr++
		size--
	}

	words := unsafe.Slice((*uintptr)(unsafe.Pointer(addr)), size/wordSize)
	for i := range words {
		words[i] = 0
	}

	for tail := addr + size - size%wordSize; tail < addr+size; tail++ {
		*(*byte)(unsafe.Pointer(tail)) = 0
	}
}

// Memcopy copies size bytes from src to dst. The destination comes first,
// matching the built-in copy. The ranges must not overlap; the one caller
// that copies frame to frame (copy-on-write unsharing) always moves between
// distinct frames.
func Memcopy(dst, src, size uintptr) {
	copy(bytesAt(dst, size), bytesAt(src, size))
}
