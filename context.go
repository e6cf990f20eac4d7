package jitlink

import "github.com/blitheyu/jitlink/linkgraph"

// Triple names the target a link invocation is for.
type Triple string

// TripleARM64AppleIOS is the triple of the MachO/arm64 linker.
const TripleARM64AppleIOS Triple = "arm64-apple-ios"

// Pass transforms or inspects a link graph between pipeline stages.
type Pass func(*linkgraph.LinkGraph) error

// PassConfiguration is the ordered pass lists run by the link driver.
type PassConfiguration struct {
	// PrePrunePasses run before dead-stripping; mark-live passes go here.
	PrePrunePasses []Pass
	// PostPrunePasses run after dead-stripping and before allocation;
	// GOT/stub synthesis goes here.
	PostPrunePasses []Pass
	// PostAllocationPasses run after addresses are final, before fixup.
	PostAllocationPasses []Pass
}

// Context is the embedder's side of a link invocation: it configures the
// pass pipeline, supplies memory and external symbol addresses, and
// receives the outcome.
type Context interface {
	// ShouldAddDefaultTargetPasses reports whether the target should
	// install its default mark-live and GOT/stub passes.
	ShouldAddDefaultTargetPasses(t Triple) bool
	// GetMarkLivePass returns the context's mark-live pass, or nil to use
	// the mark-everything-live fallback.
	GetMarkLivePass(t Triple) Pass
	// ModifyPassConfig lets the context reorder or extend the pipeline
	// before the link runs.
	ModifyPassConfig(t Triple, cfg *PassConfiguration) error
	// Allocator supplies addresses and working memory for the graph.
	Allocator() Allocator
	// ResolveSymbols returns the runtime addresses of the named external
	// symbols. Missing names fail the link.
	ResolveSymbols(names []string) (map[string]uint64, error)
	// NotifyFailed is called exactly once if any stage fails.
	NotifyFailed(err error)
	// NotifyFinalized is called exactly once with the finalized image
	// memory on success. The context owns the allocation afterwards.
	NotifyFinalized(a Allocation)
}

// Allocator assigns final addresses to a graph's blocks and hands out the
// working memory fixups are written into.
type Allocator interface {
	// Allocate lays out every block of g, assigns its final address via
	// Block.SetAddress, and returns the backing allocation.
	Allocate(g *linkgraph.LinkGraph) (Allocation, error)
}

// Allocation is the working memory of one link invocation. Between
// Allocate and Finalize the memory is writable and exclusively owned by
// the fixup phase.
type Allocation interface {
	// WorkingMem returns the writable memory backing b. The slice's
	// address equals b.Address().
	WorkingMem(b *linkgraph.Block) []byte
	// Finalize applies each segment's target protection. After Finalize
	// the image is live and no further writes are permitted.
	Finalize() error
	// Release unmaps the allocation. The image must not be executing.
	Release() error
}
