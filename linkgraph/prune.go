package linkgraph

// MarkAllSymbolsLive marks every defined symbol as a dead-strip root.
// Used as the fallback mark-live pass when the link context does not
// supply one.
func MarkAllSymbolsLive(g *LinkGraph) error {
	for _, s := range g.symbols {
		if s.IsDefined() {
			s.SetLive(true)
		}
	}
	return nil
}

// Prune dead-strips the graph: blocks reachable from live symbols via
// edges survive, everything else is removed. External symbols survive
// only while some live block still references them.
func Prune(g *LinkGraph) error {
	liveBlocks := map[*Block]bool{}
	var worklist []*Block
	for _, s := range g.symbols {
		if s.IsLive() && s.IsDefined() && !liveBlocks[s.block] {
			liveBlocks[s.block] = true
			worklist = append(worklist, s.block)
		}
	}

	for len(worklist) > 0 {
		b := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, e := range b.edges {
			t := e.Target()
			if !t.IsDefined() || liveBlocks[t.block] {
				continue
			}
			liveBlocks[t.block] = true
			worklist = append(worklist, t.block)
		}
	}

	liveExternals := map[*Symbol]bool{}
	for b := range liveBlocks {
		for _, e := range b.edges {
			if t := e.Target(); !t.IsDefined() {
				liveExternals[t] = true
			}
		}
	}

	var kept []*Symbol
	for _, s := range g.symbols {
		switch {
		case s.IsDefined() && liveBlocks[s.block]:
			kept = append(kept, s)
		case !s.IsDefined() && liveExternals[s]:
			kept = append(kept, s)
		default:
			if s.external {
				delete(g.externals, s.name)
			}
		}
	}
	g.symbols = kept

	for _, sec := range g.sections {
		var blocks []*Block
		for _, b := range sec.blocks {
			if liveBlocks[b] {
				blocks = append(blocks, b)
			}
		}
		sec.blocks = blocks
	}
	return nil
}
