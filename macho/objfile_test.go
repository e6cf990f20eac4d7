package macho

import (
	"bytes"
	"encoding/binary"
)

// Mach-O structure constants used by the test object writer.
const (
	testMagic64      = 0xfeedfacf
	testCPUTypeArm64 = 0x0100000c
	testFileTypeObj  = 0x1
	testLCSegment64  = 0x19
	testLCSymtab     = 0x2

	testSegment64Size = 72
	testSection64Size = 80
	testSymtabSize    = 24
	testNlist64Size   = 16
	testRelocSize     = 8
)

type testReloc struct {
	addr   uint32
	value  uint32
	typ    uint8
	len    uint8
	pcrel  bool
	extern bool
}

type testSection struct {
	name, seg string
	addr      uint64
	data      []byte
	// zeroFillSize is the section size when data is nil.
	zeroFillSize uint64
	align        uint32
	flags        uint32
	relocs       []testReloc
}

func (s *testSection) size() uint64 {
	if s.data == nil {
		return s.zeroFillSize
	}
	return uint64(len(s.data))
}

type testSymbol struct {
	name  string
	typ   uint8
	sect  uint8
	desc  uint16
	value uint64
}

// testObject assembles a minimal 64-bit Mach-O relocatable object in
// memory: one unnamed segment holding the sections, and a symbol table.
type testObject struct {
	cputype  uint32
	filetype uint32
	sections []*testSection
	symbols  []testSymbol
}

func newTestObject() *testObject {
	return &testObject{cputype: testCPUTypeArm64, filetype: testFileTypeObj}
}

func (o *testObject) addSection(s *testSection) *testSection {
	if s.seg == "" {
		s.seg = "__TEXT"
	}
	o.sections = append(o.sections, s)
	return s
}

func (o *testObject) addSymbol(s testSymbol) uint32 {
	o.symbols = append(o.symbols, s)
	return uint32(len(o.symbols) - 1)
}

func (o *testObject) build() []byte {
	nsects := len(o.sections)
	segSize := testSegment64Size + testSection64Size*nsects
	cmdsSize := segSize + testSymtabSize
	headerSize := 32

	off := headerSize + cmdsSize
	dataOff := make([]int, nsects)
	for i, s := range o.sections {
		if s.data != nil {
			dataOff[i] = off
			off += len(s.data)
		}
	}
	relocOff := make([]int, nsects)
	for i, s := range o.sections {
		if len(s.relocs) > 0 {
			relocOff[i] = off
			off += testRelocSize * len(s.relocs)
		}
	}
	symOff := off
	strOff := symOff + testNlist64Size*len(o.symbols)

	strtab := []byte{0}
	strx := make([]uint32, len(o.symbols))
	for i, sym := range o.symbols {
		if sym.name == "" {
			continue
		}
		strx[i] = uint32(len(strtab))
		strtab = append(strtab, sym.name...)
		strtab = append(strtab, 0)
	}

	var buf bytes.Buffer
	w := func(vs ...interface{}) {
		for _, v := range vs {
			if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
				panic(err)
			}
		}
	}
	name16 := func(s string) {
		var n [16]byte
		copy(n[:], s)
		w(n)
	}

	// mach_header_64
	w(uint32(testMagic64), o.cputype, uint32(0), o.filetype,
		uint32(2), uint32(cmdsSize), uint32(0), uint32(0))

	// LC_SEGMENT_64
	var vmsize uint64
	for _, s := range o.sections {
		if end := s.addr + s.size(); end > vmsize {
			vmsize = end
		}
	}
	w(uint32(testLCSegment64), uint32(segSize))
	name16("")
	w(uint64(0), vmsize, uint64(headerSize+cmdsSize), uint64(symOff-headerSize-cmdsSize),
		uint32(7), uint32(7), uint32(nsects), uint32(0))

	for i, s := range o.sections {
		name16(s.name)
		name16(s.seg)
		w(s.addr, s.size(), uint32(dataOff[i]), s.align,
			uint32(relocOff[i]), uint32(len(s.relocs)), s.flags,
			uint32(0), uint32(0), uint32(0))
	}

	// LC_SYMTAB
	w(uint32(testLCSymtab), uint32(testSymtabSize),
		uint32(symOff), uint32(len(o.symbols)),
		uint32(strOff), uint32(len(strtab)))

	for _, s := range o.sections {
		if s.data != nil {
			buf.Write(s.data)
		}
	}
	for _, s := range o.sections {
		for _, r := range s.relocs {
			word := r.value & 0xffffff
			if r.pcrel {
				word |= 1 << 24
			}
			word |= uint32(r.len) << 25
			if r.extern {
				word |= 1 << 27
			}
			word |= uint32(r.typ) << 28
			w(r.addr, word)
		}
	}
	for i, sym := range o.symbols {
		w(strx[i], sym.typ, sym.sect, sym.desc, sym.value)
	}
	buf.Write(strtab)
	return buf.Bytes()
}

// instrWords packs instruction words into little-endian bytes.
func instrWords(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}
