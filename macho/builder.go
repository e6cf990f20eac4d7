// Package macho builds link graphs from Mach-O relocatable objects and
// links them for the targets it supports (arm64). The builder base in
// this file normalizes sections and symbols and atomizes section content
// into blocks; the relocation handling lives with each target.
package macho

import (
	"bytes"
	machofile "debug/macho"
	"fmt"
	"sort"

	"github.com/blitheyu/jitlink"
	"github.com/blitheyu/jitlink/linkgraph"
)

// Mach-O section type and attribute flags.
// https://opensource.apple.com/source/xnu/xnu-7195.81.3/EXTERNAL_HEADERS/mach-o/loader.h
const (
	sectionTypeMask        = 0x000000ff
	sectZerofill           = 0x1
	sectGBZerofill         = 0xc
	attrPureInstructions   = 0x80000000
	attrSomeInstructions   = 0x00000400
	attrInstructions       = attrPureInstructions | attrSomeInstructions
)

// nlist type bits.
const (
	nStab = 0xe0
	nPExt = 0x10
	nType = 0x0e
	nExt  = 0x01

	nUndf = 0x0
	nAbs  = 0x2
	nSect = 0xe
)

// normalizedSection pairs one Mach-O section with its graph section.
type normalizedSection struct {
	mach *machofile.Section
	// data is the section content; nil for zero-fill sections.
	data         []byte
	addr, size   uint64
	alignment    uint64
	graphSection *linkgraph.Section
}

// Name returns the Mach-O section name, e.g. "__text".
func (s *normalizedSection) Name() string { return s.mach.Name }

// Addr returns the section's address in the object's address space.
func (s *normalizedSection) Addr() uint64 { return s.addr }

// Data returns the section content; nil for zero-fill sections.
func (s *normalizedSection) Data() []byte { return s.data }

// GraphSection returns the graph section normalization created, or nil if
// a custom parser owns this section.
func (s *normalizedSection) GraphSection() *linkgraph.Section { return s.graphSection }

// normalizedSymbol pairs one nlist entry with its graph symbol. Stabs
// keep their slot with a nil entry so nlist indexes stay aligned.
type normalizedSymbol struct {
	sym         machofile.Symbol
	graphSymbol *linkgraph.Symbol
}

// sectionParser replaces the default atomization for one named section.
// The parser owns block, symbol and edge creation for the section.
type sectionParser func(b *Builder, sec *normalizedSection) error

// Builder parses a Mach-O relocatable object into a link graph. It is
// the target-independent base: targets drive it through buildGraph and
// add their relocation edges through the hook they pass in.
type Builder struct {
	file  *machofile.File
	graph *linkgraph.LinkGraph

	sections []*normalizedSection
	symbols  []*normalizedSymbol

	// addrIndex holds every defined symbol ordered by address, for
	// address-based lookups during relocation processing.
	addrIndex       []*linkgraph.Symbol
	addrIndexSorted bool

	customParsers map[string]sectionParser
}

// NewBuilder parses the object header and load commands of obj and
// prepares an empty graph. The object must be a Mach-O relocatable file
// for CPU_TYPE_ARM64.
func NewBuilder(name string, obj []byte) (*Builder, error) {
	f, err := machofile.NewFile(bytes.NewReader(obj))
	if err != nil {
		return nil, fmt.Errorf("parsing Mach-O object: %w", err)
	}
	if f.Cpu != machofile.CpuArm64 {
		return nil, fmt.Errorf("unsupported cputype %s, want CpuArm64", f.Cpu)
	}
	if f.Type != machofile.TypeObj {
		return nil, fmt.Errorf("unsupported file type %s, want relocatable object", f.Type)
	}
	return &Builder{
		file:          f,
		graph:         linkgraph.New(name),
		customParsers: map[string]sectionParser{},
	}, nil
}

// Graph returns the graph under construction.
func (b *Builder) Graph() *linkgraph.LinkGraph { return b.graph }

// AddCustomSectionParser installs p for the named section, replacing the
// default block and symbol creation there.
func (b *Builder) AddCustomSectionParser(name string, p sectionParser) {
	b.customParsers[name] = p
}

// buildGraph normalizes the object, atomizes content into blocks, runs
// custom section parsers, then calls addRelocations to attach the
// target's edges.
func (b *Builder) buildGraph(addRelocations func() error) (*linkgraph.LinkGraph, error) {
	if err := b.normalizeSections(); err != nil {
		return nil, err
	}
	if err := b.normalizeSymbols(); err != nil {
		return nil, err
	}
	if err := b.graphify(); err != nil {
		return nil, err
	}
	for _, sec := range b.sections {
		if p, ok := b.customParsers[sec.mach.Name]; ok {
			if err := p(b, sec); err != nil {
				return nil, fmt.Errorf("parsing section %s: %w", sec.mach.Name, err)
			}
		}
	}
	b.sortAddrIndex()
	if err := addRelocations(); err != nil {
		return nil, err
	}
	return b.graph, nil
}

func sectionProt(sec *machofile.Section) linkgraph.MemProt {
	prot := linkgraph.ProtRead
	if sec.Flags&attrInstructions != 0 {
		return prot | linkgraph.ProtExec
	}
	if sec.Seg == "__DATA" {
		prot |= linkgraph.ProtWrite
	}
	return prot
}

func isZeroFillSection(sec *machofile.Section) bool {
	t := sec.Flags & sectionTypeMask
	return t == sectZerofill || t == sectGBZerofill
}

func (b *Builder) normalizeSections() error {
	for _, sec := range b.file.Sections {
		ns := &normalizedSection{
			mach:      sec,
			addr:      sec.Addr,
			size:      sec.Size,
			alignment: uint64(1) << sec.Align,
		}
		if !isZeroFillSection(sec) {
			data, err := sec.Data()
			if err != nil {
				return fmt.Errorf("reading section %s,%s: %w", sec.Seg, sec.Name, err)
			}
			ns.data = data
		}
		if _, custom := b.customParsers[sec.Name]; !custom {
			name := sec.Name
			if b.graph.SectionByName(name) != nil {
				name = sec.Seg + "," + sec.Name
			}
			gsec, err := b.graph.CreateSection(name, sectionProt(sec))
			if err != nil {
				return err
			}
			ns.graphSection = gsec
		}
		b.sections = append(b.sections, ns)
	}
	return nil
}

func (b *Builder) normalizeSymbols() error {
	if b.file.Symtab == nil {
		return nil
	}
	for i, sym := range b.file.Symtab.Syms {
		if sym.Type&nStab != 0 {
			// Debug entry. Keep the slot so nlist indexes stay aligned.
			b.symbols = append(b.symbols, nil)
			continue
		}
		ns := &normalizedSymbol{sym: sym}
		switch sym.Type & nType {
		case nUndf:
			if sym.Value != 0 {
				gsym, err := b.addCommonSymbol(sym)
				if err != nil {
					return err
				}
				ns.graphSymbol = gsym
			} else {
				ns.graphSymbol = b.graph.AddExternalSymbol(sym.Name)
			}
		case nSect:
			if int(sym.Sect) < 1 || int(sym.Sect) > len(b.file.Sections) {
				return fmt.Errorf("symbol %q (index %d) references invalid section %d",
					sym.Name, i, sym.Sect)
			}
			// Graph symbol created during graphify, once blocks exist.
		default:
			return fmt.Errorf("symbol %q (index %d) has unsupported type 0x%x",
				sym.Name, i, sym.Type)
		}
		b.symbols = append(b.symbols, ns)
	}
	return nil
}

// addCommonSymbol materializes a tentative definition as a zero-fill
// block. The nlist value carries the size; the desc's high byte carries
// the log2 alignment.
func (b *Builder) addCommonSymbol(sym machofile.Symbol) (*linkgraph.Symbol, error) {
	commonSec := b.graph.SectionByName("__common")
	if commonSec == nil {
		var err error
		commonSec, err = b.graph.CreateSection("__common", linkgraph.ProtRead|linkgraph.ProtWrite)
		if err != nil {
			return nil, err
		}
	}
	alignment := uint64(1) << ((sym.Desc >> 8) & 0xf)
	if alignment == 1 {
		alignment = 8
	}
	block := b.graph.CreateZeroFillBlock(commonSec, sym.Value, 0, alignment, 0)
	gsym := b.graph.AddDefinedSymbol(block, sym.Name, 0, sym.Value, linkgraph.ScopeDefault, false, false)
	return gsym, nil
}

// graphify splits each section's content into blocks at defined-symbol
// boundaries and creates graph symbols for the nlist entries.
func (b *Builder) graphify() error {
	// Defined symbols per 1-based section index, with their nlist slots.
	bySection := map[int][]*normalizedSymbol{}
	for _, ns := range b.symbols {
		if ns == nil || ns.graphSymbol != nil {
			continue
		}
		if ns.sym.Type&nType == nSect {
			bySection[int(ns.sym.Sect)] = append(bySection[int(ns.sym.Sect)], ns)
		}
	}

	for secIdx, sec := range b.sections {
		syms := bySection[secIdx+1]
		if sec.graphSection == nil {
			if len(syms) > 0 {
				return fmt.Errorf("section %s has a custom parser but also defines %d symbols",
					sec.mach.Name, len(syms))
			}
			continue
		}
		if sec.size == 0 {
			continue
		}
		sort.SliceStable(syms, func(i, j int) bool {
			return syms[i].sym.Value < syms[j].sym.Value
		})
		if err := b.graphifySection(sec, syms); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) graphifySection(sec *normalizedSection, syms []*normalizedSymbol) error {
	for _, ns := range syms {
		if v := ns.sym.Value; v < sec.addr || v >= sec.addr+sec.size {
			return fmt.Errorf("symbol %q address %#x outside section %s [%#x, %#x)",
				ns.sym.Name, v, sec.mach.Name, sec.addr, sec.addr+sec.size)
		}
	}

	callable := sec.graphSection.Prot()&linkgraph.ProtExec != 0

	// Block boundaries: the section start plus every distinct symbol
	// address.
	bounds := []uint64{sec.addr}
	for _, ns := range syms {
		if v := ns.sym.Value; v != bounds[len(bounds)-1] {
			bounds = append(bounds, v)
		}
	}

	symIdx := 0
	for i, start := range bounds {
		end := sec.addr + sec.size
		if i+1 < len(bounds) {
			end = bounds[i+1]
		}

		var block *linkgraph.Block
		alignmentOffset := start % sec.alignment
		if sec.data == nil {
			block = b.graph.CreateZeroFillBlock(sec.graphSection, end-start, start, sec.alignment, alignmentOffset)
		} else {
			content := sec.data[start-sec.addr : end-sec.addr]
			block = b.graph.CreateContentBlock(sec.graphSection, content, start, sec.alignment, alignmentOffset)
		}

		covered := false
		for symIdx < len(syms) && syms[symIdx].sym.Value == start {
			ns := syms[symIdx]
			scope := linkgraph.ScopeLocal
			if ns.sym.Type&nExt != 0 {
				scope = linkgraph.ScopeDefault
				if ns.sym.Type&nPExt != 0 {
					scope = linkgraph.ScopeHidden
				}
			}
			gsym := b.graph.AddDefinedSymbol(block, ns.sym.Name, 0, end-start, scope, callable, false)
			ns.graphSymbol = gsym
			b.addrIndex = append(b.addrIndex, gsym)
			covered = true
			symIdx++
		}
		if !covered {
			// Content before the first named symbol still needs an
			// addressable handle for relocation lookups.
			anon := b.graph.AddAnonymousSymbol(block, 0, end-start, callable, false)
			b.addrIndex = append(b.addrIndex, anon)
		}
	}
	return nil
}

// RegisterSymbolAddress adds sym to the address index so relocation
// processing can find it. Custom section parsers call this for the
// symbols they create.
func (b *Builder) RegisterSymbolAddress(sym *linkgraph.Symbol) {
	b.addrIndex = append(b.addrIndex, sym)
	b.addrIndexSorted = false
}

func (b *Builder) sortAddrIndex() {
	sort.SliceStable(b.addrIndex, func(i, j int) bool {
		return b.addrIndex[i].Address() < b.addrIndex[j].Address()
	})
	b.addrIndexSorted = true
}

// FindSymbolByIndex returns the graph symbol for an nlist index.
func (b *Builder) FindSymbolByIndex(i uint32) (*linkgraph.Symbol, error) {
	if int(i) >= len(b.symbols) {
		return nil, jitlink.Errorf(jitlink.ErrSymbolNotFound, "symbol index %d out of range", i)
	}
	ns := b.symbols[i]
	if ns == nil || ns.graphSymbol == nil {
		return nil, jitlink.Errorf(jitlink.ErrSymbolNotFound, "no symbol at index %d", i)
	}
	return ns.graphSymbol, nil
}

// FindSymbolByAddress returns the defined symbol covering addr: the
// symbol with the greatest address not above addr whose block still
// contains addr.
func (b *Builder) FindSymbolByAddress(addr uint64) (*linkgraph.Symbol, error) {
	if !b.addrIndexSorted {
		b.sortAddrIndex()
	}
	i := sort.Search(len(b.addrIndex), func(i int) bool {
		return b.addrIndex[i].Address() > addr
	})
	if i == 0 {
		return nil, jitlink.Errorf(jitlink.ErrSymbolNotFound, "no symbol covering address %#x", addr)
	}
	sym := b.addrIndex[i-1]
	block := sym.Block()
	if addr >= block.Address()+block.Size() {
		return nil, jitlink.Errorf(jitlink.ErrSymbolNotFound, "no symbol covering address %#x", addr)
	}
	return sym, nil
}
