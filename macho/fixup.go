package macho

import (
	"encoding/binary"
	"math"

	"github.com/blitheyu/jitlink"
	"github.com/blitheyu/jitlink/internal/aarch64"
	"github.com/blitheyu/jitlink/linkgraph"
)

func targetOutOfRange(b *linkgraph.Block, e *linkgraph.Edge, value int64) error {
	return jitlink.Errorf(jitlink.ErrTargetOutOfRange,
		"relocation target out of range: %s edge at %s+%#x, computed value %#x",
		EdgeKindName(e.Kind()), b.Section().Name(), e.Offset(), value)
}

// applyFixup computes the final value of e and packs it into the block's
// working memory. Branch26, Page21/GOTPage21, GOTPageOffset12 and
// LDRLiteral19 re-verify the opcode at the fixup site, and those patterns
// require a zero immediate field, so packing is a plain OR. PageOffset12
// checks no opcode: it takes its scale from whatever instruction it finds
// and ORs into the immediate field as it stands.
func applyFixup(g *linkgraph.LinkGraph, b *linkgraph.Block, e *linkgraph.Edge, workMem []byte) error {
	mem := workMem[e.Offset():]
	fixupAddr := b.Address() + e.Offset()
	t := e.Target().Address()
	a := e.Addend()

	switch e.Kind() {
	case EdgeBranch26:
		v := int64(t) - int64(fixupAddr) + a
		if v&0x3 != 0 {
			return jitlink.Errorf(jitlink.ErrMisalignment,
				"Branch26 target %#x is not 32-bit aligned", v)
		}
		if !aarch64.FitsBranch26(v) {
			return targetOutOfRange(b, e, v)
		}
		raw := binary.LittleEndian.Uint32(mem)
		if !aarch64.IsBOrBL(raw) {
			return jitlink.Errorf(jitlink.ErrMalformedInstruction,
				"Branch26 fixup site does not hold a B or BL instruction")
		}
		binary.LittleEndian.PutUint32(mem, aarch64.EncodeBranch26(raw, v))

	case EdgePointer32:
		v := int64(t) + a
		if uint64(v) > math.MaxUint32 {
			return targetOutOfRange(b, e, v)
		}
		binary.LittleEndian.PutUint32(mem, uint32(v))

	case EdgePointer64, EdgePointer64Anon:
		binary.LittleEndian.PutUint64(mem, uint64(int64(t)+a))

	case EdgePage21, EdgeGOTPage21:
		if a != 0 {
			return jitlink.Errorf(jitlink.ErrUnsupportedRelocation,
				"%s edge with non-zero addend %d", EdgeKindName(e.Kind()), a)
		}
		pageDelta := int64(t&^(aarch64.PageSize-1)) - int64(fixupAddr&^(aarch64.PageSize-1))
		if !aarch64.FitsPage21(pageDelta) {
			return targetOutOfRange(b, e, pageDelta)
		}
		raw := binary.LittleEndian.Uint32(mem)
		if !aarch64.IsADRP(raw) {
			return jitlink.Errorf(jitlink.ErrMalformedInstruction,
				"%s fixup site does not hold an ADRP instruction", EdgeKindName(e.Kind()))
		}
		binary.LittleEndian.PutUint32(mem, aarch64.EncodePage21(raw, pageDelta))

	case EdgePageOffset12:
		if a != 0 {
			return jitlink.Errorf(jitlink.ErrUnsupportedRelocation,
				"PageOffset12 edge with non-zero addend %d", a)
		}
		off := t & (aarch64.PageSize - 1)
		raw := binary.LittleEndian.Uint32(mem)
		shift := aarch64.PageOffset12Shift(raw)
		if off&(1<<shift-1) != 0 {
			return jitlink.Errorf(jitlink.ErrMisalignment,
				"PageOffset12 target %#x is not aligned to the instruction's %d-byte access", off, 1<<shift)
		}
		binary.LittleEndian.PutUint32(mem, aarch64.EncodePageOffset12(raw, off, shift))

	case EdgeGOTPageOffset12:
		if a != 0 {
			return jitlink.Errorf(jitlink.ErrUnsupportedRelocation,
				"GOTPageOffset12 edge with non-zero addend %d", a)
		}
		raw := binary.LittleEndian.Uint32(mem)
		if !aarch64.IsLDRImm64(raw) {
			return jitlink.Errorf(jitlink.ErrMalformedInstruction,
				"GOTPageOffset12 fixup site does not hold a 64-bit LDR immediate")
		}
		binary.LittleEndian.PutUint32(mem, aarch64.EncodePageOffset12(raw, t&(aarch64.PageSize-1), 0))

	case EdgeLDRLiteral19:
		if a != 0 {
			return jitlink.Errorf(jitlink.ErrUnsupportedRelocation,
				"LDRLiteral19 edge with non-zero addend %d", a)
		}
		raw := binary.LittleEndian.Uint32(mem)
		if raw != aarch64.LDRLiteralX16 {
			return jitlink.Errorf(jitlink.ErrMalformedInstruction,
				"LDRLiteral19 fixup site does not hold LDR x16, <literal>")
		}
		delta := int64(t) - int64(fixupAddr)
		if delta&0x3 != 0 {
			return jitlink.Errorf(jitlink.ErrMisalignment,
				"LDR literal target %#x is not 32-bit aligned", delta)
		}
		if !aarch64.FitsLDRLiteral19(delta) {
			return targetOutOfRange(b, e, delta)
		}
		binary.LittleEndian.PutUint32(mem, aarch64.EncodeLDRLiteral19(raw, delta))

	case EdgeDelta32, EdgeDelta64, EdgeNegDelta32, EdgeNegDelta64:
		var v int64
		if e.Kind() == EdgeDelta32 || e.Kind() == EdgeDelta64 {
			v = int64(t) - int64(fixupAddr) + a
		} else {
			v = int64(fixupAddr) - int64(t) + a
		}
		if e.Kind() == EdgeDelta32 || e.Kind() == EdgeNegDelta32 {
			if v < math.MinInt32 || v > math.MaxInt32 {
				return targetOutOfRange(b, e, v)
			}
			binary.LittleEndian.PutUint32(mem, uint32(v))
		} else {
			binary.LittleEndian.PutUint64(mem, uint64(v))
		}

	default:
		return jitlink.Errorf(jitlink.ErrUnsupportedRelocation,
			"unexpected %s edge in built graph", EdgeKindName(e.Kind()))
	}
	return nil
}
