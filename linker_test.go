package jitlink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitheyu/jitlink/linkgraph"
)

const testRelocKind = linkgraph.FirstRelocationKind

type fakeAllocation struct {
	blocks      map[*linkgraph.Block][]byte
	finalized   int
	released    int
	finalizeErr error
}

func (a *fakeAllocation) WorkingMem(b *linkgraph.Block) []byte { return a.blocks[b] }

func (a *fakeAllocation) Finalize() error {
	a.finalized++
	return a.finalizeErr
}

func (a *fakeAllocation) Release() error {
	a.released++
	return nil
}

type fakeAllocator struct {
	err         error
	finalizeErr error
	alloc       *fakeAllocation
	onAllocate  func()
}

func (a *fakeAllocator) Allocate(g *linkgraph.LinkGraph) (Allocation, error) {
	if a.onAllocate != nil {
		a.onAllocate()
	}
	if a.err != nil {
		return nil, a.err
	}
	alloc := &fakeAllocation{
		blocks:      map[*linkgraph.Block][]byte{},
		finalizeErr: a.finalizeErr,
	}
	addr := uint64(0x100000)
	for _, b := range g.Blocks() {
		b.SetAddress(addr)
		addr += b.Size()
		mem := make([]byte, b.Size())
		copy(mem, b.Content())
		alloc.blocks[b] = mem
	}
	a.alloc = alloc
	return alloc, nil
}

type fakeContext struct {
	allocator  Allocator
	symbols    map[string]uint64
	resolveErr error
	resolved   [][]string
	onResolve  func()
	failed     []error
	images     []Allocation
}

func (c *fakeContext) ShouldAddDefaultTargetPasses(Triple) bool { return true }

func (c *fakeContext) GetMarkLivePass(Triple) Pass { return nil }

func (c *fakeContext) ModifyPassConfig(Triple, *PassConfiguration) error { return nil }

func (c *fakeContext) Allocator() Allocator { return c.allocator }

func (c *fakeContext) ResolveSymbols(names []string) (map[string]uint64, error) {
	if c.onResolve != nil {
		c.onResolve()
	}
	c.resolved = append(c.resolved, names)
	if c.resolveErr != nil {
		return nil, c.resolveErr
	}
	addrs := map[string]uint64{}
	for _, name := range names {
		if addr, ok := c.symbols[name]; ok {
			addrs[name] = addr
		}
	}
	return addrs, nil
}

func (c *fakeContext) NotifyFailed(err error) { c.failed = append(c.failed, err) }

func (c *fakeContext) NotifyFinalized(a Allocation) { c.images = append(c.images, a) }

// nopTarget applies no fixups; tests that care about fixups install their
// own ApplyFixup.
func nopTarget() TargetLinker {
	return TargetLinker{
		EdgeKindName: func(k linkgraph.EdgeKind) string { return "test" },
		ApplyFixup: func(*linkgraph.LinkGraph, *linkgraph.Block, *linkgraph.Edge, []byte) error {
			return nil
		},
	}
}

// linkerTestGraph builds a graph with one live __text block.
func linkerTestGraph(t *testing.T) (*linkgraph.LinkGraph, *linkgraph.Block) {
	t.Helper()
	g := linkgraph.New("test.o")
	sec, err := g.CreateSection("__text", linkgraph.ProtRead|linkgraph.ProtExec)
	require.NoError(t, err)
	block := g.CreateContentBlock(sec, make([]byte, 16), 0, 4, 0)
	g.AddDefinedSymbol(block, "_main", 0, 16, linkgraph.ScopeDefault, true, true)
	return g, block
}

func TestRunPipelineOrder(t *testing.T) {
	g, block := linkerTestGraph(t)
	dead := g.CreateContentBlock(g.SectionByName("__text"), make([]byte, 4), 0x100, 4, 0)
	block.AddEdge(testRelocKind, 0, g.AddExternalSymbol("_ext"), 0)

	var trace []string
	allocator := &fakeAllocator{onAllocate: func() { trace = append(trace, "allocate") }}
	ctx := &fakeContext{
		allocator: allocator,
		symbols:   map[string]uint64{"_ext": 0x5000},
		onResolve: func() { trace = append(trace, "resolve") },
	}

	cfg := PassConfiguration{
		PrePrunePasses: []Pass{func(g *linkgraph.LinkGraph) error {
			trace = append(trace, "pre-prune")
			// The dead block is still present before pruning.
			require.Contains(t, g.Blocks(), dead)
			return nil
		}},
		PostPrunePasses: []Pass{func(g *linkgraph.LinkGraph) error {
			trace = append(trace, "post-prune")
			require.NotContains(t, g.Blocks(), dead)
			return nil
		}},
		PostAllocationPasses: []Pass{func(g *linkgraph.LinkGraph) error {
			trace = append(trace, "post-allocation")
			require.NotZero(t, g.Blocks()[0].Address())
			return nil
		}},
	}

	target := nopTarget()
	target.ApplyFixup = func(*linkgraph.LinkGraph, *linkgraph.Block, *linkgraph.Edge, []byte) error {
		trace = append(trace, "fixup")
		return nil
	}

	alloc, err := Run(ctx, g, target, cfg)
	require.NoError(t, err)
	require.Same(t, allocator.alloc, alloc)
	require.Equal(t, []string{
		"pre-prune", "post-prune", "allocate", "resolve", "post-allocation", "fixup",
	}, trace)
	require.Equal(t, 1, allocator.alloc.finalized)
	require.Zero(t, allocator.alloc.released)
}

func TestRunResolvesExternalsSorted(t *testing.T) {
	g, block := linkerTestGraph(t)
	b := g.AddExternalSymbol("_b")
	a := g.AddExternalSymbol("_a")
	c := g.AddExternalSymbol("_c")
	block.AddEdge(testRelocKind, 0, b, 0)
	block.AddEdge(testRelocKind, 4, a, 0)
	block.AddEdge(testRelocKind, 8, c, 0)

	ctx := &fakeContext{
		allocator: &fakeAllocator{},
		symbols:   map[string]uint64{"_a": 0x1000, "_b": 0x2000, "_c": 0x3000},
	}

	_, err := Run(ctx, g, nopTarget(), PassConfiguration{})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"_a", "_b", "_c"}}, ctx.resolved)
	require.Equal(t, uint64(0x1000), a.Address())
	require.Equal(t, uint64(0x2000), b.Address())
	require.Equal(t, uint64(0x3000), c.Address())
}

func TestRunNoExternalsSkipsResolution(t *testing.T) {
	g, _ := linkerTestGraph(t)
	ctx := &fakeContext{allocator: &fakeAllocator{}}

	_, err := Run(ctx, g, nopTarget(), PassConfiguration{})
	require.NoError(t, err)
	require.Empty(t, ctx.resolved)
}

func TestRunMissingExternal(t *testing.T) {
	g, block := linkerTestGraph(t)
	block.AddEdge(testRelocKind, 0, g.AddExternalSymbol("_missing"), 0)

	allocator := &fakeAllocator{}
	ctx := &fakeContext{allocator: allocator}

	_, err := Run(ctx, g, nopTarget(), PassConfiguration{})
	require.ErrorContains(t, err, `"_missing" not resolved`)
	require.Equal(t, ErrSymbolNotFound, ErrorKindOf(err))
	require.Equal(t, 1, allocator.alloc.released)
	require.Zero(t, allocator.alloc.finalized)
}

func TestRunResolveSymbolsError(t *testing.T) {
	g, block := linkerTestGraph(t)
	block.AddEdge(testRelocKind, 0, g.AddExternalSymbol("_x"), 0)

	allocator := &fakeAllocator{}
	ctx := &fakeContext{allocator: allocator, resolveErr: errors.New("resolver broke")}

	_, err := Run(ctx, g, nopTarget(), PassConfiguration{})
	require.ErrorContains(t, err, "resolving external symbols")
	require.ErrorContains(t, err, "resolver broke")
	require.Equal(t, 1, allocator.alloc.released)
}

func TestRunAppliesFixups(t *testing.T) {
	g, block := linkerTestGraph(t)
	fde := g.CreateContentBlock(g.SectionByName("__text"), make([]byte, 8), 0x100, 4, 0)
	pinned := g.AddAnonymousSymbol(fde, 0, 8, false, false)
	block.AddEdge(linkgraph.EdgeKindKeepAlive, 0, pinned, 0)
	ext := g.AddExternalSymbol("_x")
	block.AddEdge(testRelocKind, 4, ext, 0)

	allocator := &fakeAllocator{}
	ctx := &fakeContext{allocator: allocator, symbols: map[string]uint64{"_x": 0x9000}}

	var applied []uint64
	target := nopTarget()
	target.ApplyFixup = func(g *linkgraph.LinkGraph, b *linkgraph.Block, e *linkgraph.Edge, workMem []byte) error {
		applied = append(applied, e.Offset())
		workMem[e.Offset()] = 0xaa
		return nil
	}

	_, err := Run(ctx, g, target, PassConfiguration{})
	require.NoError(t, err)

	// Keep-alive edges carry no fixup.
	require.Equal(t, []uint64{4}, applied)
	require.Equal(t, byte(0xaa), allocator.alloc.blocks[block][4])
}

func TestRunPrePrunePassError(t *testing.T) {
	g, _ := linkerTestGraph(t)
	allocator := &fakeAllocator{}
	ctx := &fakeContext{allocator: allocator}

	cfg := PassConfiguration{
		PrePrunePasses: []Pass{func(*linkgraph.LinkGraph) error { return errors.New("boom") }},
	}
	_, err := Run(ctx, g, nopTarget(), cfg)
	require.ErrorContains(t, err, "pre-prune pass failed: boom")
	require.Nil(t, allocator.alloc)
}

func TestRunPostAllocationPassError(t *testing.T) {
	g, _ := linkerTestGraph(t)
	allocator := &fakeAllocator{}
	ctx := &fakeContext{allocator: allocator}

	cfg := PassConfiguration{
		PostAllocationPasses: []Pass{func(*linkgraph.LinkGraph) error { return errors.New("boom") }},
	}
	_, err := Run(ctx, g, nopTarget(), cfg)
	require.ErrorContains(t, err, "post-allocation pass failed")
	require.Equal(t, 1, allocator.alloc.released)
	require.Zero(t, allocator.alloc.finalized)
}

func TestRunAllocatorError(t *testing.T) {
	g, _ := linkerTestGraph(t)
	ctx := &fakeContext{allocator: &fakeAllocator{err: errors.New("no memory")}}

	_, err := Run(ctx, g, nopTarget(), PassConfiguration{})
	require.ErrorContains(t, err, "allocating image memory: no memory")
}

func TestRunFixupError(t *testing.T) {
	g, block := linkerTestGraph(t)
	block.AddEdge(testRelocKind, 0, g.AddExternalSymbol("_x"), 0)

	allocator := &fakeAllocator{}
	ctx := &fakeContext{allocator: allocator, symbols: map[string]uint64{"_x": 0x9000}}

	target := nopTarget()
	target.ApplyFixup = func(*linkgraph.LinkGraph, *linkgraph.Block, *linkgraph.Edge, []byte) error {
		return errors.New("bad fixup")
	}

	_, err := Run(ctx, g, target, PassConfiguration{})
	require.ErrorContains(t, err, "bad fixup")
	require.Equal(t, 1, allocator.alloc.released)
	require.Zero(t, allocator.alloc.finalized)
}

func TestRunFinalizeError(t *testing.T) {
	g, _ := linkerTestGraph(t)
	allocator := &fakeAllocator{finalizeErr: errors.New("mprotect failed")}
	ctx := &fakeContext{allocator: allocator}

	_, err := Run(ctx, g, nopTarget(), PassConfiguration{})
	require.ErrorContains(t, err, "finalizing image")
	require.Equal(t, 1, allocator.alloc.released)
}
