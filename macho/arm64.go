package macho

import (
	"bytes"
	machofile "debug/macho"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blitheyu/jitlink"
	"github.com/blitheyu/jitlink/internal/aarch64"
	"github.com/blitheyu/jitlink/internal/buildoptions"
	"github.com/blitheyu/jitlink/linkgraph"
)

// Edge kinds of the MachO/arm64 target.
const (
	// EdgeBranch26 is a 26-bit PC-relative branch to a 32-bit aligned
	// target, packed into a B or BL immediate.
	EdgeBranch26 linkgraph.EdgeKind = linkgraph.FirstRelocationKind + iota
	// EdgePointer32 is an absolute 32-bit pointer value.
	EdgePointer32
	// EdgePointer64 is an absolute 64-bit pointer value.
	EdgePointer64
	// EdgePointer64Anon is Pointer64 with the target identified by address
	// rather than symbol index.
	EdgePointer64Anon
	// EdgePage21 is the 4KiB-page delta between target and fixup, packed
	// into an ADRP immediate.
	EdgePage21
	// EdgePageOffset12 is the target's offset within its 4KiB page, packed
	// into an ADD or LDR/STR immediate with the instruction's scale.
	EdgePageOffset12
	// EdgeGOTPage21 is Page21 against the target's GOT entry.
	EdgeGOTPage21
	// EdgeGOTPageOffset12 is PageOffset12 against the target's GOT entry,
	// restricted to 64-bit LDR immediates.
	EdgeGOTPageOffset12
	// EdgePointerToGOT is a 32-bit delta from the fixup to the target's
	// GOT entry.
	EdgePointerToGOT
	// EdgePairedAddend carries the addend for the following relocation.
	// It never survives into a built graph.
	EdgePairedAddend
	// EdgeLDRLiteral19 is a 19-bit PC-relative load literal, used inside
	// synthesized stubs.
	EdgeLDRLiteral19
	// EdgeDelta32 is the signed 32-bit difference target minus fixup.
	EdgeDelta32
	// EdgeDelta64 is the signed 64-bit difference target minus fixup.
	EdgeDelta64
	// EdgeNegDelta32 is the signed 32-bit difference fixup minus target.
	EdgeNegDelta32
	// EdgeNegDelta64 is the signed 64-bit difference fixup minus target.
	EdgeNegDelta64
)

// EdgeKindName returns the name of an arm64 edge kind for diagnostics.
func EdgeKindName(k linkgraph.EdgeKind) string {
	switch k {
	case EdgeBranch26:
		return "Branch26"
	case EdgePointer32:
		return "Pointer32"
	case EdgePointer64:
		return "Pointer64"
	case EdgePointer64Anon:
		return "Pointer64Anon"
	case EdgePage21:
		return "Page21"
	case EdgePageOffset12:
		return "PageOffset12"
	case EdgeGOTPage21:
		return "GOTPage21"
	case EdgeGOTPageOffset12:
		return "GOTPageOffset12"
	case EdgePointerToGOT:
		return "PointerToGOT"
	case EdgePairedAddend:
		return "PairedAddend"
	case EdgeLDRLiteral19:
		return "LDRLiteral19"
	case EdgeDelta32:
		return "Delta32"
	case EdgeDelta64:
		return "Delta64"
	case EdgeNegDelta32:
		return "NegDelta32"
	case EdgeNegDelta64:
		return "NegDelta64"
	}
	return fmt.Sprintf("EdgeKind(%d)", k)
}

// relocAddend is ARM64_RELOC_ADDEND, which debug/macho's relocation type
// enumeration stops one short of.
const relocAddend machofile.RelocTypeARM64 = 10

// classifyRelocation maps one relocation record to its edge kind. The
// accepted {type, pcrel, extern, length} combinations form a closed set;
// everything else is rejected with a structured error naming the record's
// fields. SUBTRACTOR classifies provisionally as Delta32/Delta64 and may
// become NegDelta in pair parsing.
func classifyRelocation(r machofile.Reloc) (linkgraph.EdgeKind, error) {
	switch machofile.RelocTypeARM64(r.Type) {
	case machofile.ARM64_RELOC_UNSIGNED:
		if !r.Pcrel {
			if r.Len == 3 {
				if r.Extern {
					return EdgePointer64, nil
				}
				return EdgePointer64Anon, nil
			}
			if r.Len == 2 {
				return EdgePointer32, nil
			}
		}
	case machofile.ARM64_RELOC_SUBTRACTOR:
		if !r.Pcrel && r.Extern {
			if r.Len == 2 {
				return EdgeDelta32, nil
			}
			if r.Len == 3 {
				return EdgeDelta64, nil
			}
		}
	case machofile.ARM64_RELOC_BRANCH26:
		if r.Pcrel && r.Extern && r.Len == 2 {
			return EdgeBranch26, nil
		}
	case machofile.ARM64_RELOC_PAGE21:
		if r.Pcrel && r.Extern && r.Len == 2 {
			return EdgePage21, nil
		}
	case machofile.ARM64_RELOC_PAGEOFF12:
		if !r.Pcrel && r.Extern && r.Len == 2 {
			return EdgePageOffset12, nil
		}
	case machofile.ARM64_RELOC_GOT_LOAD_PAGE21:
		if r.Pcrel && r.Extern && r.Len == 2 {
			return EdgeGOTPage21, nil
		}
	case machofile.ARM64_RELOC_GOT_LOAD_PAGEOFF12:
		if !r.Pcrel && r.Extern && r.Len == 2 {
			return EdgeGOTPageOffset12, nil
		}
	case machofile.ARM64_RELOC_POINTER_TO_GOT:
		if r.Pcrel && r.Extern && r.Len == 2 {
			return EdgePointerToGOT, nil
		}
	case relocAddend:
		if !r.Pcrel && !r.Extern && r.Len == 2 {
			return EdgePairedAddend, nil
		}
	}
	return linkgraph.EdgeKindInvalid, jitlink.Errorf(jitlink.ErrUnsupportedRelocation,
		"unsupported arm64 relocation: address=%#x, symbolnum=%#x, type=%d, pcrel=%t, extern=%t, length=%d",
		r.Addr, r.Value, r.Type, r.Pcrel, r.Extern, r.Len)
}

// arm64Builder adds the arm64 relocation handling on top of the generic
// Mach-O graph builder.
type arm64Builder struct {
	*Builder
}

func newARM64Builder(name string, obj []byte) (*arm64Builder, error) {
	base, err := NewBuilder(name, obj)
	if err != nil {
		return nil, err
	}
	base.AddCustomSectionParser("__eh_frame", parseEHFrameSection)
	return &arm64Builder{Builder: base}, nil
}

// BuildGraph parses the object into a link graph with arm64 relocation
// edges attached.
func (b *arm64Builder) BuildGraph() (*linkgraph.LinkGraph, error) {
	return b.buildGraph(b.addRelocations)
}

// addRelocations walks each section's relocation records in object-file
// order and attaches one edge per logical relocation. Paired records
// (ADDEND before its instruction relocation, SUBTRACTOR before its
// UNSIGNED) consume two iterator steps.
func (b *arm64Builder) addRelocations() error {
	for _, sec := range b.sections {
		relocs := sec.mach.Relocs
		for i := 0; i < len(relocs); i++ {
			r := relocs[i]
			if r.Scattered {
				return jitlink.Errorf(jitlink.ErrUnsupportedRelocation,
					"scattered relocation at %s+%#x", sec.Name(), r.Addr)
			}
			kind, err := classifyRelocation(r)
			if err != nil {
				return err
			}

			fixupAddr := sec.addr + uint64(r.Addr)
			if buildoptions.IsDebugMode {
				fmt.Fprintf(os.Stderr, "jitlink: processing %s relocation at %#x\n",
					EdgeKindName(kind), fixupAddr)
			}

			symToFix, err := b.FindSymbolByAddress(fixupAddr)
			if err != nil {
				return err
			}
			block := symToFix.Block()
			blockContent := block.Content()
			if fixupAddr+uint64(1)<<r.Len > block.Address()+uint64(len(blockContent)) {
				return jitlink.Errorf(jitlink.ErrFixupOutOfBlock,
					"relocation at %#x extends past the end of its block", fixupAddr)
			}
			content := blockContent[fixupAddr-block.Address():]

			var target *linkgraph.Symbol
			var addend int64

			if kind == EdgePairedAddend {
				addend = int64(r.Value)
				i++
				if i >= len(relocs) {
					return jitlink.Errorf(jitlink.ErrMalformedPair,
						"unpaired ADDEND relocation at %#x", fixupAddr)
				}
				r = relocs[i]
				kind, err = classifyRelocation(r)
				if err != nil {
					return err
				}
				if kind != EdgeBranch26 && kind != EdgePage21 && kind != EdgePageOffset12 {
					return jitlink.Errorf(jitlink.ErrMalformedPair,
						"invalid relocation pair: ADDEND + %s", EdgeKindName(kind))
				}
				if sec.addr+uint64(r.Addr) != fixupAddr {
					return jitlink.Errorf(jitlink.ErrMalformedPair,
						"ADDEND and its paired relocation point at different addresses")
				}
			}

			switch kind {
			case EdgeBranch26:
				if target, err = b.FindSymbolByIndex(r.Value); err != nil {
					return err
				}
				if instr := binary.LittleEndian.Uint32(content); !aarch64.IsBOrBL(instr) {
					return jitlink.Errorf(jitlink.ErrMalformedInstruction,
						"BRANCH26 target is not a B or BL instruction with a zero addend")
				}
			case EdgePointer32:
				if target, err = b.FindSymbolByIndex(r.Value); err != nil {
					return err
				}
				addend = int64(binary.LittleEndian.Uint32(content))
			case EdgePointer64:
				if target, err = b.FindSymbolByIndex(r.Value); err != nil {
					return err
				}
				addend = int64(binary.LittleEndian.Uint64(content))
			case EdgePointer64Anon:
				targetAddr := binary.LittleEndian.Uint64(content)
				if target, err = b.FindSymbolByAddress(targetAddr); err != nil {
					return err
				}
				addend = int64(targetAddr) - int64(target.Address())
			case EdgePage21, EdgeGOTPage21:
				if target, err = b.FindSymbolByIndex(r.Value); err != nil {
					return err
				}
				if instr := binary.LittleEndian.Uint32(content); !aarch64.IsADRP(instr) {
					return jitlink.Errorf(jitlink.ErrMalformedInstruction,
						"PAGE21/GOTPAGE21 target is not an ADRP instruction with a zero addend")
				}
			case EdgePageOffset12:
				if target, err = b.FindSymbolByIndex(r.Value); err != nil {
					return err
				}
			case EdgeGOTPageOffset12:
				if target, err = b.FindSymbolByIndex(r.Value); err != nil {
					return err
				}
				if instr := binary.LittleEndian.Uint32(content); !aarch64.IsLDRImm64(instr) {
					return jitlink.Errorf(jitlink.ErrMalformedInstruction,
						"GOTPAGEOFF12 target is not an LDR immediate instruction with a zero addend")
				}
			case EdgePointerToGOT:
				if target, err = b.FindSymbolByIndex(r.Value); err != nil {
					return err
				}
			case EdgeDelta32, EdgeDelta64:
				i++
				if i >= len(relocs) {
					return jitlink.Errorf(jitlink.ErrMalformedPair,
						"SUBTRACTOR without paired UNSIGNED relocation at %#x", fixupAddr)
				}
				kind, target, addend, err = b.parsePairRelocation(block, r, relocs[i], fixupAddr, content)
				if err != nil {
					return err
				}
			}

			block.AddEdge(kind, fixupAddr-block.Address(), target, addend)
		}
	}
	return nil
}

// parsePairRelocation combines a SUBTRACTOR record with the UNSIGNED
// record that follows it into one delta edge. With A the SUBTRACTOR's
// symbol and B the UNSIGNED's, the fixup computes B - A (plus the stored
// value), so the edge becomes Delta targeting B when the fixup lies in
// A's block and NegDelta targeting A when it lies in B's.
func (b *arm64Builder) parsePairRelocation(block *linkgraph.Block, sub, unsigned machofile.Reloc, fixupAddr uint64, content []byte) (linkgraph.EdgeKind, *linkgraph.Symbol, int64, error) {
	if unsigned.Scattered || machofile.RelocTypeARM64(unsigned.Type) != machofile.ARM64_RELOC_UNSIGNED || unsigned.Pcrel {
		return 0, nil, 0, jitlink.Errorf(jitlink.ErrMalformedPair,
			"SUBTRACTOR at %#x is not followed by an UNSIGNED relocation", fixupAddr)
	}
	if sub.Addr != unsigned.Addr {
		return 0, nil, 0, jitlink.Errorf(jitlink.ErrMalformedPair,
			"SUBTRACTOR and paired UNSIGNED point to different addresses")
	}
	if sub.Len != unsigned.Len {
		return 0, nil, 0, jitlink.Errorf(jitlink.ErrMalformedPair,
			"length of SUBTRACTOR and paired UNSIGNED must match")
	}

	from, err := b.FindSymbolByIndex(sub.Value)
	if err != nil {
		return 0, nil, 0, err
	}

	var v int64
	if sub.Len == 3 {
		v = int64(binary.LittleEndian.Uint64(content))
	} else {
		v = int64(int32(binary.LittleEndian.Uint32(content)))
	}

	var to *linkgraph.Symbol
	if unsigned.Extern {
		if to, err = b.FindSymbolByIndex(unsigned.Value); err != nil {
			return 0, nil, 0, err
		}
	} else {
		if to, err = b.FindSymbolByAddress(uint64(v)); err != nil {
			return 0, nil, 0, err
		}
		v -= int64(to.Address())
	}

	switch {
	case from.IsDefined() && block == from.Block():
		kind := EdgeDelta32
		if sub.Len == 3 {
			kind = EdgeDelta64
		}
		addend := v + (int64(fixupAddr) - int64(from.Address()))
		return kind, to, addend, nil
	case to.IsDefined() && block == to.Block():
		kind := EdgeNegDelta32
		if sub.Len == 3 {
			kind = EdgeNegDelta64
		}
		addend := v - (int64(fixupAddr) - int64(to.Address()))
		return kind, from, addend, nil
	default:
		return 0, nil, 0, jitlink.Errorf(jitlink.ErrMalformedPair,
			"SUBTRACTOR relocation must fix up either 'A' or 'B'")
	}
}

// LinkARM64 links one MachO/arm64 relocatable object: it builds the link
// graph, installs the default mark-live and GOT/stub passes unless the
// context declines them, and reports the outcome through ctx.
func LinkARM64(name string, obj []byte, ctx jitlink.Context) {
	builder, err := newARM64Builder(name, obj)
	if err != nil {
		ctx.NotifyFailed(err)
		return
	}
	g, err := builder.BuildGraph()
	if err != nil {
		ctx.NotifyFailed(err)
		return
	}

	var cfg jitlink.PassConfiguration
	if ctx.ShouldAddDefaultTargetPasses(jitlink.TripleARM64AppleIOS) {
		if mark := ctx.GetMarkLivePass(jitlink.TripleARM64AppleIOS); mark != nil {
			cfg.PrePrunePasses = append(cfg.PrePrunePasses, mark)
		} else {
			cfg.PrePrunePasses = append(cfg.PrePrunePasses, linkgraph.MarkAllSymbolsLive)
		}
		cfg.PostPrunePasses = append(cfg.PostPrunePasses, buildGOTAndStubs)
	}
	if err := ctx.ModifyPassConfig(jitlink.TripleARM64AppleIOS, &cfg); err != nil {
		ctx.NotifyFailed(err)
		return
	}

	target := jitlink.TargetLinker{
		EdgeKindName: EdgeKindName,
		ApplyFixup:   applyFixup,
	}
	alloc, err := jitlink.Run(ctx, g, target, cfg)
	if err != nil {
		ctx.NotifyFailed(err)
		return
	}
	ctx.NotifyFinalized(alloc)
}

// Link dispatches obj to the linker for its cputype.
func Link(name string, obj []byte, ctx jitlink.Context) {
	f, err := machofile.NewFile(bytes.NewReader(obj))
	if err != nil {
		ctx.NotifyFailed(fmt.Errorf("parsing Mach-O object: %w", err))
		return
	}
	cpu := f.Cpu
	f.Close()
	switch cpu {
	case machofile.CpuArm64:
		LinkARM64(name, obj, ctx)
	default:
		ctx.NotifyFailed(fmt.Errorf("unsupported cputype %s", cpu))
	}
}
