package macho

import (
	"github.com/blitheyu/jitlink/linkgraph"
)

// gotEntryContent is the initial value of a GOT entry; the Pointer64 edge
// fills it in at fixup time.
var gotEntryContent = [8]byte{}

// stubContent is LDR x16, <literal at +0>; BR x16. The LDRLiteral19 edge
// at offset 0 points the load at the target's GOT entry.
var stubContent = [8]byte{
	0x10, 0x00, 0x00, 0x58,
	0x00, 0x02, 0x1f, 0xd6,
}

// gotStubsBuilder rewrites GOT-load and external-branch edges to target
// synthesized GOT entries and stubs. Entries are cached per target, and a
// stub loads through its target's GOT entry rather than owning a second
// pointer.
type gotStubsBuilder struct {
	g            *linkgraph.LinkGraph
	gotSection   *linkgraph.Section
	stubsSection *linkgraph.Section
	gotEntries   map[*linkgraph.Symbol]*linkgraph.Symbol
	stubs        map[*linkgraph.Symbol]*linkgraph.Symbol
}

// buildGOTAndStubs is the post-prune pass that runs the synthesizer over
// every edge of the graph. The block snapshot taken up front excludes the
// blocks the pass itself creates, so edges inside GOT entries and stubs
// are never rewritten.
func buildGOTAndStubs(g *linkgraph.LinkGraph) error {
	b := &gotStubsBuilder{
		g:          g,
		gotEntries: map[*linkgraph.Symbol]*linkgraph.Symbol{},
		stubs:      map[*linkgraph.Symbol]*linkgraph.Symbol{},
	}
	for _, block := range g.Blocks() {
		for _, e := range block.Edges() {
			switch {
			case isGOTEdge(e):
				entry, err := b.gotEntry(e.Target())
				if err != nil {
					return err
				}
				fixGOTEdge(e, entry)
			case isExternalBranchEdge(e):
				stub, err := b.stub(e.Target())
				if err != nil {
					return err
				}
				e.SetTarget(stub)
			}
		}
	}
	return nil
}

func isGOTEdge(e *linkgraph.Edge) bool {
	switch e.Kind() {
	case EdgeGOTPage21, EdgeGOTPageOffset12, EdgePointerToGOT:
		return true
	}
	return false
}

func isExternalBranchEdge(e *linkgraph.Edge) bool {
	return e.Kind() == EdgeBranch26 && !e.Target().IsDefined()
}

// fixGOTEdge retargets e at the GOT entry. GOT page/pageoff loads keep
// their kind; the fixup encoder resolves them like Page21/PageOffset12
// now that the target address is the entry's. PointerToGOT becomes a
// plain 32-bit delta to the entry.
func fixGOTEdge(e *linkgraph.Edge, entry *linkgraph.Symbol) {
	e.SetTarget(entry)
	if e.Kind() == EdgePointerToGOT {
		e.SetKind(EdgeDelta32)
	}
}

// gotEntry returns the GOT entry symbol for target, creating the entry's
// block on first use: 8 zeroed bytes with a Pointer64 edge to the true
// target.
func (b *gotStubsBuilder) gotEntry(target *linkgraph.Symbol) (*linkgraph.Symbol, error) {
	if entry, ok := b.gotEntries[target]; ok {
		return entry, nil
	}
	if b.gotSection == nil {
		sec, err := b.g.CreateSection("$__GOT", linkgraph.ProtRead)
		if err != nil {
			return nil, err
		}
		b.gotSection = sec
	}
	content := gotEntryContent
	block := b.g.CreateContentBlock(b.gotSection, content[:], 0, 8, 0)
	block.AddEdge(EdgePointer64, 0, target, 0)
	entry := b.g.AddAnonymousSymbol(block, 0, 8, false, false)
	b.gotEntries[target] = entry
	return entry, nil
}

// stub returns the stub symbol for target, creating the stub block on
// first use and reusing (or creating) the target's GOT entry for its
// load literal.
func (b *gotStubsBuilder) stub(target *linkgraph.Symbol) (*linkgraph.Symbol, error) {
	if stub, ok := b.stubs[target]; ok {
		return stub, nil
	}
	if b.stubsSection == nil {
		sec, err := b.g.CreateSection("$__STUBS", linkgraph.ProtRead|linkgraph.ProtExec)
		if err != nil {
			return nil, err
		}
		b.stubsSection = sec
	}
	entry, err := b.gotEntry(target)
	if err != nil {
		return nil, err
	}
	content := stubContent
	block := b.g.CreateContentBlock(b.stubsSection, content[:], 0, 1, 0)
	block.AddEdge(EdgeLDRLiteral19, 0, entry, 0)
	stub := b.g.AddAnonymousSymbol(block, 0, 8, true, false)
	b.stubs[target] = stub
	return stub, nil
}
