// Package aarch64 holds the AArch64 opcode patterns and immediate-field
// packers the fixup phase needs. Packers assume the caller has already
// range-checked the value; the Fits* predicates implement those checks.
//
// References:
// https://developer.arm.com/documentation/ddi0596/latest/
package aarch64

// PageSize is the quantum of ADRP addressing.
const PageSize = 4096

const (
	// bOpcodeMask ignores the top (link) bit, so the pattern matches both
	// B and BL with a zero imm26.
	bOpcodeMask    = 0x7fffffff
	bOpcodeBits    = 0x14000000
	adrpIgnoreMask = 0xffffffe0
	adrpBits       = 0x90000000
	ldr64ImmMask   = 0xfffffc00
	ldr64ImmBits   = 0xf9400000

	// ldrLiteralMask strips the size bits and the Rn/Rt register fields
	// from a load/store immediate, keeping the imm12 field.
	ldrLiteralMask = 0x3ffffc00
	ldrGPRImmBits  = 0x39400000
	ldrNeonImmBits = 0x3d400000
	sizeBitsMask   = 0xc0000000
	ldrNeon128Bits = 0x3dc00000
)

// LDRLiteralX16 is "LDR x16, <literal at +0>", the load half of a branch
// stub before its literal offset is fixed up.
const LDRLiteralX16 uint32 = 0x58000010

// BRX16 is "BR x16", the branch half of a stub.
const BRX16 uint32 = 0xd61f0200

// IsBOrBL reports whether instr is a B or BL with a zero imm26.
func IsBOrBL(instr uint32) bool { return instr&bOpcodeMask == bOpcodeBits }

// IsADRP reports whether instr is an ADRP with a zero immediate.
func IsADRP(instr uint32) bool { return instr&adrpIgnoreMask == adrpBits }

// IsLDRImm64 reports whether instr is a 64-bit LDR (immediate) with a
// zero offset.
func IsLDRImm64(instr uint32) bool { return instr&ldr64ImmMask == ldr64ImmBits }

// PageOffset12Shift derives the implicit shift of a load/store immediate
// from its opcode: GPR and small Neon loads carry it in the size bits,
// 128-bit Neon loads shift by 4, anything else (ADD immediate) by 0.
func PageOffset12Shift(instr uint32) uint32 {
	if instr&ldrLiteralMask == ldrGPRImmBits {
		return instr >> 30
	}
	if instr&ldrLiteralMask == ldrNeonImmBits {
		return instr >> 30
	}
	if instr&(ldrLiteralMask|sizeBitsMask) == ldrNeon128Bits {
		return 4
	}
	return 0
}

// FitsBranch26 reports whether a byte delta fits the 26-bit branch
// immediate, i.e. lies in [-2^27, 2^27).
func FitsBranch26(v int64) bool { return v >= -(1 << 27) && v < 1<<27 }

// EncodeBranch26 packs a 4-byte-aligned delta into the imm26 field of a
// B/BL instruction.
func EncodeBranch26(raw uint32, v int64) uint32 {
	return raw | (uint32(v)&(1<<28-1))>>2
}

// FitsPage21 reports whether a page delta fits the ADRP immediate, i.e.
// lies in [-2^30, 2^30).
func FitsPage21(pageDelta int64) bool { return pageDelta >= -(1 << 30) && pageDelta < 1<<30 }

// EncodePage21 packs a page delta into the split immlo/immhi fields of an
// ADRP instruction.
func EncodePage21(raw uint32, pageDelta int64) uint32 {
	immLo := uint32(uint64(pageDelta)>>12) & 0x3
	immHi := uint32(uint64(pageDelta)>>14) & 0x7ffff
	return raw | immLo<<29 | immHi<<5
}

// EncodePageOffset12 packs the low 12 bits of a target address, already
// scaled down by the instruction's implicit shift, into the imm12 field.
func EncodePageOffset12(raw uint32, off uint64, shift uint32) uint32 {
	return raw | uint32(off>>shift)<<10
}

// FitsLDRLiteral19 reports whether a byte delta fits the 19-bit LDR
// literal immediate, i.e. lies in [-2^20, 2^20).
func FitsLDRLiteral19(delta int64) bool { return delta >= -(1 << 20) && delta < 1<<20 }

// EncodeLDRLiteral19 packs a 4-byte-aligned delta into the imm19 field of
// an LDR (literal) instruction.
func EncodeLDRLiteral19(raw uint32, delta int64) uint32 {
	return raw | uint32(delta>>2)&0x7ffff<<5
}
