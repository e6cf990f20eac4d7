// Package jitlink links freshly compiled relocatable objects into live,
// executable in-process images. The generic driver in this package runs
// the pass pipeline over a link graph; target packages (macho) supply the
// graph construction and the fixup application.
package jitlink

import (
	"fmt"
	"os"
	"sort"

	"github.com/blitheyu/jitlink/internal/buildoptions"
	"github.com/blitheyu/jitlink/linkgraph"
)

// TargetLinker is the capability record a target hands the generic
// driver: everything target-specific the pipeline needs, with no
// dispatch beyond these two functions.
type TargetLinker struct {
	// EdgeKindName names an edge kind for diagnostics.
	EdgeKindName func(linkgraph.EdgeKind) string
	// ApplyFixup computes the final value of e and writes it into the
	// block's working memory.
	ApplyFixup func(g *linkgraph.LinkGraph, b *linkgraph.Block, e *linkgraph.Edge, workMem []byte) error
}

// Run drives one link invocation over g: pre-prune passes, dead-strip,
// post-prune passes, allocation, external resolution, post-allocation
// passes, fixup, finalization. On success the returned allocation holds
// the live image; on failure no partial image is committed.
func Run(ctx Context, g *linkgraph.LinkGraph, target TargetLinker, cfg PassConfiguration) (Allocation, error) {
	if err := runPasses("pre-prune", g, cfg.PrePrunePasses); err != nil {
		return nil, err
	}

	if err := linkgraph.Prune(g); err != nil {
		return nil, fmt.Errorf("pruning graph: %w", err)
	}

	if err := runPasses("post-prune", g, cfg.PostPrunePasses); err != nil {
		return nil, err
	}

	alloc, err := ctx.Allocator().Allocate(g)
	if err != nil {
		return nil, fmt.Errorf("allocating image memory: %w", err)
	}

	if err := resolveExternals(ctx, g); err != nil {
		_ = alloc.Release()
		return nil, err
	}

	if err := runPasses("post-allocation", g, cfg.PostAllocationPasses); err != nil {
		_ = alloc.Release()
		return nil, err
	}

	if err := applyFixups(g, target, alloc); err != nil {
		_ = alloc.Release()
		return nil, err
	}

	if err := alloc.Finalize(); err != nil {
		_ = alloc.Release()
		return nil, fmt.Errorf("finalizing image: %w", err)
	}
	return alloc, nil
}

func runPasses(stage string, g *linkgraph.LinkGraph, passes []Pass) error {
	for _, p := range passes {
		if buildoptions.IsDebugMode {
			fmt.Fprintf(os.Stderr, "jitlink: running %s pass on %s\n", stage, g.Name())
		}
		if err := p(g); err != nil {
			return fmt.Errorf("%s pass failed: %w", stage, err)
		}
	}
	return nil
}

func resolveExternals(ctx Context, g *linkgraph.LinkGraph) error {
	externals := g.ExternalSymbols()
	if len(externals) == 0 {
		return nil
	}
	names := make([]string, 0, len(externals))
	for name := range externals {
		names = append(names, name)
	}
	sort.Strings(names)

	addrs, err := ctx.ResolveSymbols(names)
	if err != nil {
		return fmt.Errorf("resolving external symbols: %w", err)
	}
	for _, name := range names {
		addr, ok := addrs[name]
		if !ok {
			return Errorf(ErrSymbolNotFound, "external symbol %q not resolved", name)
		}
		externals[name].SetAddress(addr)
	}
	return nil
}

func applyFixups(g *linkgraph.LinkGraph, target TargetLinker, alloc Allocation) error {
	for _, b := range g.Blocks() {
		workMem := alloc.WorkingMem(b)
		for _, e := range b.Edges() {
			if e.Kind() < linkgraph.FirstRelocationKind {
				continue
			}
			if buildoptions.IsDebugMode {
				fmt.Fprintf(os.Stderr, "jitlink: applying %s fixup at %#x+%#x\n",
					target.EdgeKindName(e.Kind()), b.Address(), e.Offset())
			}
			if err := target.ApplyFixup(g, b, e, workMem); err != nil {
				return err
			}
		}
	}
	return nil
}
