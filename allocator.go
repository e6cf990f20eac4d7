package jitlink

import (
	"fmt"
	"unsafe"

	"github.com/blitheyu/jitlink/internal/platform"
	"github.com/blitheyu/jitlink/linkgraph"
)

// InProcessAllocator materializes link graphs in the linker's own
// process: one anonymous read-write mapping per protection class, with
// the final protections applied at finalization.
type InProcessAllocator struct{}

// NewInProcessAllocator returns an allocator backed by anonymous mappings
// in the current process.
func NewInProcessAllocator() *InProcessAllocator { return &InProcessAllocator{} }

type segment struct {
	prot linkgraph.MemProt
	mem  []byte
}

type inProcessAllocation struct {
	segments []*segment
	blocks   map[*linkgraph.Block][]byte
}

// Allocate implements Allocator.
func (a *InProcessAllocator) Allocate(g *linkgraph.LinkGraph) (Allocation, error) {
	// One segment per protection class. Section order is preserved inside
	// a class so layout is deterministic for a given graph.
	var prots []linkgraph.MemProt
	blocksByProt := map[linkgraph.MemProt][]*linkgraph.Block{}
	for _, sec := range g.Sections() {
		p := sec.Prot()
		if _, ok := blocksByProt[p]; !ok {
			prots = append(prots, p)
		}
		blocksByProt[p] = append(blocksByProt[p], sec.Blocks()...)
	}

	alloc := &inProcessAllocation{blocks: map[*linkgraph.Block][]byte{}}
	for _, p := range prots {
		blocks := blocksByProt[p]

		var size uint64
		offsets := make([]uint64, len(blocks))
		for i, b := range blocks {
			size = alignTo(size, b.Alignment(), b.AlignmentOffset())
			offsets[i] = size
			size += b.Size()
		}
		if size == 0 {
			continue
		}

		mem, err := platform.MmapSegment(int(size))
		if err != nil {
			_ = alloc.Release()
			return nil, fmt.Errorf("mapping %d byte segment: %w", size, err)
		}
		alloc.segments = append(alloc.segments, &segment{prot: p, mem: mem})

		base := uint64(uintptr(unsafe.Pointer(&mem[0])))
		for i, b := range blocks {
			b.SetAddress(base + offsets[i])
			workMem := mem[offsets[i] : offsets[i]+b.Size()]
			// Zero-fill blocks have nil content; the fresh mapping is
			// already zeroed.
			copy(workMem, b.Content())
			alloc.blocks[b] = workMem
		}
	}
	return alloc, nil
}

// WorkingMem implements Allocation.
func (a *inProcessAllocation) WorkingMem(b *linkgraph.Block) []byte { return a.blocks[b] }

// Finalize implements Allocation.
func (a *inProcessAllocation) Finalize() error {
	for _, seg := range a.segments {
		switch {
		case seg.prot&linkgraph.ProtExec != 0:
			if err := platform.MprotectRX(seg.mem); err != nil {
				return fmt.Errorf("protecting executable segment: %w", err)
			}
		case seg.prot&linkgraph.ProtWrite == 0:
			if err := platform.MprotectRO(seg.mem); err != nil {
				return fmt.Errorf("protecting read-only segment: %w", err)
			}
		}
	}
	return nil
}

// Release implements Allocation.
func (a *inProcessAllocation) Release() error {
	var firstErr error
	for _, seg := range a.segments {
		if err := platform.MunmapSegment(seg.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.segments = nil
	a.blocks = nil
	return firstErr
}

// alignTo rounds v up to the next address congruent to alignmentOffset
// modulo alignment.
func alignTo(v, alignment, alignmentOffset uint64) uint64 {
	if alignment == 0 {
		alignment = 1
	}
	want := alignmentOffset % alignment
	r := v - v%alignment + want
	if r < v {
		r += alignment
	}
	return r
}
