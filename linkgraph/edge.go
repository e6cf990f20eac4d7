package linkgraph

// EdgeKind identifies the relocation semantics of an edge. Kinds below
// FirstRelocationKind are generic to every target; each target package
// defines its own kinds starting at FirstRelocationKind.
type EdgeKind uint8

const (
	// EdgeKindInvalid is the zero value and never appears in a built graph.
	EdgeKindInvalid EdgeKind = iota
	// EdgeKindKeepAlive marks a liveness dependency with no fixup: if the
	// source block is live the target must survive pruning.
	EdgeKindKeepAlive
	// FirstRelocationKind is the first value available to target-specific
	// relocation kinds.
	FirstRelocationKind
)

// Edge is a relocation at (source block, byte offset) targeting a symbol
// with a signed addend.
type Edge struct {
	kind   EdgeKind
	offset uint64
	target *Symbol
	addend int64
}

// Kind returns the edge's relocation kind.
func (e *Edge) Kind() EdgeKind { return e.kind }

// SetKind rewrites the edge's kind in place.
func (e *Edge) SetKind(k EdgeKind) { e.kind = k }

// Offset returns the fixup's offset from the source block start.
func (e *Edge) Offset() uint64 { return e.offset }

// Target returns the symbol the edge points at.
func (e *Edge) Target() *Symbol { return e.target }

// SetTarget retargets the edge, e.g. at a synthesized GOT entry.
func (e *Edge) SetTarget(s *Symbol) { e.target = s }

// Addend returns the signed addend applied to the target address.
func (e *Edge) Addend() int64 { return e.addend }

// SetAddend replaces the edge's addend.
func (e *Edge) SetAddend(a int64) { e.addend = a }
