// Package addrspace implements the gaps-and-mappings address-space model:
// a MemSpace tracks free virtual ranges (gaps) and backed virtual ranges
// (mappings), resolves page faults lazily, and supports forking into a
// structurally-cloned copy-on-write child.
package addrspace

import "coreos/kernel/mm"

// gap describes a free, unmapped virtual address range [Start, Start+Pages).
type gap struct {
	start uintptr
	pages uintptr
}

func (g gap) end() uintptr { return g.start + g.pages*mm.PageSize }

// gapsByStart keeps gaps sorted by start address for neighbor-coalescing
// lookups and overlap checks against a fixed-address request.
type gapsByStart []gap

func (g gapsByStart) Len() int           { return len(g) }
func (g gapsByStart) Less(i, j int) bool { return g[i].start < g[j].start }
func (g gapsByStart) Swap(i, j int)      { g[i], g[j] = g[j], g[i] }

// gapsBySize keeps gaps sorted by size (ties broken by start) so a
// constraint-free or minimum-address request can find the smallest gap that
// still satisfies it (best-fit).
type gapsBySize []gap

func (g gapsBySize) Len() int { return len(g) }
func (g gapsBySize) Less(i, j int) bool {
	if g[i].pages != g[j].pages {
		return g[i].pages < g[j].pages
	}
	return g[i].start < g[j].start
}
func (g gapsBySize) Swap(i, j int) { g[i], g[j] = g[j], g[i] }
