package linkgraph

// Block is a contiguous range of bytes within a section: the unit of
// content and addressing in the graph. Its address is the input object's
// until the allocator assigns the final runtime address.
type Block struct {
	section         *Section
	content         []byte
	size            uint64
	addr            uint64
	alignment       uint64
	alignmentOffset uint64
	zeroFill        bool
	edges           []*Edge
}

// Section returns the owning section.
func (b *Block) Section() *Section { return b.section }

// Content returns the block's bytes as read from the input object.
// Zero-fill blocks return nil.
func (b *Block) Content() []byte { return b.content }

// Size returns the block's size in bytes. For content blocks this equals
// len(Content()).
func (b *Block) Size() uint64 { return b.size }

// IsZeroFill reports whether the block has no backing content.
func (b *Block) IsZeroFill() bool { return b.zeroFill }

// Address returns the block's current address: the object-file address
// before allocation, the final runtime address after.
func (b *Block) Address() uint64 { return b.addr }

// SetAddress assigns the block's final runtime address. Only the
// allocator calls this.
func (b *Block) SetAddress(addr uint64) { b.addr = addr }

// Alignment returns the block's required alignment in bytes.
func (b *Block) Alignment() uint64 { return b.alignment }

// AlignmentOffset returns the offset modulo Alignment at which the block
// must be placed.
func (b *Block) AlignmentOffset() uint64 { return b.alignmentOffset }

// AddEdge appends a relocation edge at the given offset from the block
// start targeting target.
func (b *Block) AddEdge(kind EdgeKind, offset uint64, target *Symbol, addend int64) *Edge {
	e := &Edge{kind: kind, offset: offset, target: target, addend: addend}
	b.edges = append(b.edges, e)
	return e
}

// Edges returns the block's outgoing edges in insertion order. The
// returned edges may be mutated in place by synthesis passes.
func (b *Block) Edges() []*Edge { return b.edges }
