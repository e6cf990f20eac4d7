package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/blitheyu/jitlink/linkgraph"
)

// DWARF exception-header pointer encodings, as emitted into Mach-O
// __eh_frame sections.
const (
	dwEHPEAbsptr   = 0x00
	dwEHPESData4   = 0x0b
	dwEHPEPCRel    = 0x10
	dwEHPEIndirect = 0x80

	dwEHPEPCRelAbsptr = dwEHPEPCRel | dwEHPEAbsptr
	dwEHPEPCRelSData4 = dwEHPEPCRel | dwEHPESData4
)

// cieRecord is what an FDE needs from its CIE: the record symbol for the
// back-pointer edge and the augmentation layout of the FDE tail.
type cieRecord struct {
	symbol       *linkgraph.Symbol
	hasAugData   bool
	lsdaEncoding byte
	fdesHaveLSDA bool
}

// parseEHFrameSection splits __eh_frame into one block per CFI record and
// attaches delta edges for every embedded pointer, so the records stay
// valid after the image moves to its final address. Mach-O objects carry
// no relocations for this section; the pointers are found by walking the
// record structure itself.
func parseEHFrameSection(b *Builder, sec *normalizedSection) error {
	data := sec.Data()
	if len(data) == 0 {
		return nil
	}

	gsec, err := b.Graph().CreateSection(sec.Name(), linkgraph.ProtRead)
	if err != nil {
		return err
	}

	cies := map[uint64]*cieRecord{}
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return fmt.Errorf("truncated CFI record length at offset %#x", off)
		}
		length := binary.LittleEndian.Uint32(data[off:])
		if length == 0 {
			// Terminator.
			break
		}
		if length == 0xffffffff {
			return fmt.Errorf("64-bit DWARF CFI record at offset %#x is not supported", off)
		}
		end := off + 4 + int(length)
		if end > len(data) {
			return fmt.Errorf("CFI record at offset %#x extends past the section end", off)
		}

		recordAddr := sec.Addr() + uint64(off)
		content := data[off:end]
		block := b.Graph().CreateContentBlock(gsec, content, recordAddr, 8, recordAddr%8)
		recordSym := b.Graph().AddAnonymousSymbol(block, 0, uint64(len(content)), false, false)
		b.RegisterSymbolAddress(recordSym)

		cieID := binary.LittleEndian.Uint32(content[4:])
		if cieID == 0 {
			cie, err := b.parseCIE(block, recordAddr, content)
			if err != nil {
				return fmt.Errorf("parsing CIE at offset %#x: %w", off, err)
			}
			cie.symbol = recordSym
			cies[recordAddr] = cie
		} else {
			if err := b.parseFDE(block, recordSym, recordAddr, content, cieID, cies); err != nil {
				return fmt.Errorf("parsing FDE at offset %#x: %w", off, err)
			}
		}
		off = end
	}
	return nil
}

// parseCIE reads the CIE header and augmentation data, adding an edge for
// the personality pointer when one is present.
func (b *Builder) parseCIE(block *linkgraph.Block, recordAddr uint64, content []byte) (*cieRecord, error) {
	r := &recordReader{data: content, off: 8}

	version, err := r.uint8()
	if err != nil {
		return nil, err
	}
	if version != 1 && version != 3 {
		return nil, fmt.Errorf("unsupported CIE version %d", version)
	}

	aug, err := r.cstring()
	if err != nil {
		return nil, err
	}
	if len(aug) == 0 || aug[0] != 'z' {
		return nil, fmt.Errorf("unsupported augmentation string %q", aug)
	}

	if _, err := r.uleb(); err != nil { // code alignment factor
		return nil, err
	}
	if _, err := r.sleb(); err != nil { // data alignment factor
		return nil, err
	}
	if version == 1 {
		if _, err := r.uint8(); err != nil { // return address register
			return nil, err
		}
	} else {
		if _, err := r.uleb(); err != nil {
			return nil, err
		}
	}
	if _, err := r.uleb(); err != nil { // augmentation data length
		return nil, err
	}

	cie := &cieRecord{hasAugData: true}
	sawFDEEncoding := false
	for _, c := range aug[1:] {
		switch c {
		case 'P':
			enc, err := r.uint8()
			if err != nil {
				return nil, err
			}
			if _, err := b.addCFIPointerEdge(block, recordAddr, r, enc&^dwEHPEIndirect); err != nil {
				return nil, fmt.Errorf("personality pointer: %w", err)
			}
		case 'L':
			enc, err := r.uint8()
			if err != nil {
				return nil, err
			}
			cie.fdesHaveLSDA = true
			cie.lsdaEncoding = enc
		case 'R':
			enc, err := r.uint8()
			if err != nil {
				return nil, err
			}
			if enc != dwEHPEPCRelSData4 {
				return nil, fmt.Errorf("unsupported FDE pointer encoding %#x, want pcrel sdata4", enc)
			}
			sawFDEEncoding = true
		default:
			return nil, fmt.Errorf("unsupported augmentation character %q", c)
		}
	}
	if !sawFDEEncoding {
		return nil, fmt.Errorf("augmentation string %q carries no FDE pointer encoding", aug)
	}
	// The remainder is initial CFI instructions; no pointers there.
	return cie, nil
}

// parseFDE attaches the CIE back-pointer, PC-begin and LSDA edges of one
// FDE, plus a keep-alive edge so the FDE survives pruning with the
// function it describes.
func (b *Builder) parseFDE(block *linkgraph.Block, recordSym *linkgraph.Symbol, recordAddr uint64, content []byte, cieID uint32, cies map[uint64]*cieRecord) error {
	cieFieldAddr := recordAddr + 4
	cieAddr := cieFieldAddr - uint64(cieID)
	cie, ok := cies[cieAddr]
	if !ok {
		return fmt.Errorf("CIE pointer references %#x, which is not a CIE record", cieAddr)
	}
	// The stored value is the distance back from the field to the CIE, so
	// the edge reproduces it as fixup minus target.
	block.AddEdge(EdgeNegDelta32, 4, cie.symbol, 0)

	r := &recordReader{data: content, off: 8}
	fn, err := b.addCFIPointerEdge(block, recordAddr, r, dwEHPEPCRelSData4)
	if err != nil {
		return fmt.Errorf("PC-begin pointer: %w", err)
	}
	// Keep the FDE alive as long as the function it describes is.
	fn.Block().AddEdge(linkgraph.EdgeKindKeepAlive, 0, recordSym, 0)

	if err := r.skip(4); err != nil { // PC range
		return err
	}

	if cie.hasAugData {
		augLen, err := r.uleb()
		if err != nil {
			return err
		}
		augEnd := r.off + int(augLen)
		if cie.fdesHaveLSDA {
			if _, err := b.addCFIPointerEdge(block, recordAddr, r, cie.lsdaEncoding&^dwEHPEIndirect); err != nil {
				return fmt.Errorf("LSDA pointer: %w", err)
			}
		}
		if augEnd < r.off || augEnd > len(content) {
			return fmt.Errorf("augmentation data length %d overruns the record", augLen)
		}
		r.off = augEnd
	}
	return nil
}

// addCFIPointerEdge reads one encoded pointer at the reader's position,
// resolves the address it designates to the covering symbol, and adds a
// delta edge that re-encodes the pointer against final addresses. The
// addend preserves any offset of the designated address from the symbol.
func (b *Builder) addCFIPointerEdge(block *linkgraph.Block, recordAddr uint64, r *recordReader, encoding byte) (*linkgraph.Symbol, error) {
	fieldOff := uint64(r.off)
	fieldAddr := recordAddr + fieldOff

	var delta int64
	var kind linkgraph.EdgeKind
	switch encoding {
	case dwEHPEPCRelSData4:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		delta = int64(int32(v))
		kind = EdgeDelta32
	case dwEHPEPCRelAbsptr:
		v, err := r.uint64()
		if err != nil {
			return nil, err
		}
		delta = int64(v)
		kind = EdgeDelta64
	default:
		return nil, fmt.Errorf("unsupported pointer encoding %#x", encoding)
	}

	pointed := uint64(int64(fieldAddr) + delta)
	sym, err := b.FindSymbolByAddress(pointed)
	if err != nil {
		return nil, err
	}
	addend := int64(pointed) - int64(sym.Address())
	block.AddEdge(kind, fieldOff, sym, addend)
	return sym, nil
}

// recordReader is a bounds-checked cursor over one CFI record's bytes.
type recordReader struct {
	data []byte
	off  int
}

func (r *recordReader) uint8() (byte, error) {
	if r.off >= len(r.data) {
		return 0, fmt.Errorf("truncated record at offset %#x", r.off)
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *recordReader) uint32() (uint32, error) {
	if len(r.data)-r.off < 4 {
		return 0, fmt.Errorf("truncated record at offset %#x", r.off)
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *recordReader) uint64() (uint64, error) {
	if len(r.data)-r.off < 8 {
		return 0, fmt.Errorf("truncated record at offset %#x", r.off)
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *recordReader) skip(n int) error {
	if len(r.data)-r.off < n {
		return fmt.Errorf("truncated record at offset %#x", r.off)
	}
	r.off += n
	return nil
}

func (r *recordReader) cstring() (string, error) {
	start := r.off
	for r.off < len(r.data) {
		if r.data[r.off] == 0 {
			s := string(r.data[start:r.off])
			r.off++
			return s, nil
		}
		r.off++
	}
	return "", fmt.Errorf("unterminated string at offset %#x", start)
}

func (r *recordReader) uleb() (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.uint8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("ULEB128 too long at offset %#x", r.off)
		}
	}
}

func (r *recordReader) sleb() (int64, error) {
	var v int64
	var shift uint
	for {
		b, err := r.uint8()
		if err != nil {
			return 0, err
		}
		v |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= -1 << shift
			}
			return v, nil
		}
		if shift >= 64 {
			return 0, fmt.Errorf("SLEB128 too long at offset %#x", r.off)
		}
	}
}
