package jitlink

import (
	"errors"
	"fmt"
)

// ErrorKind tags a structured link error. The set is closed: every error
// the linker core produces carries one of these kinds.
type ErrorKind uint8

const (
	// ErrUnsupportedRelocation rejects a relocation whose
	// {type,pcrel,extern,length} combination (or addend constraint) the
	// target does not accept.
	ErrUnsupportedRelocation ErrorKind = iota + 1
	// ErrMalformedPair reports a SUBTRACTOR/UNSIGNED or ADDEND/partner
	// mismatch, a missing partner, or an address disagreement.
	ErrMalformedPair
	// ErrMalformedInstruction reports an opcode at a fixup site that does
	// not match the pattern the edge kind requires.
	ErrMalformedInstruction
	// ErrFixupOutOfBlock reports a relocation whose byte span extends past
	// its owning block's content.
	ErrFixupOutOfBlock
	// ErrTargetOutOfRange reports a computed relocation value that does
	// not fit the instruction's immediate field.
	ErrTargetOutOfRange
	// ErrMisalignment reports a computed value violating the edge kind's
	// alignment requirement.
	ErrMisalignment
	// ErrSymbolNotFound reports a failed symbol lookup by index or address.
	ErrSymbolNotFound
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrUnsupportedRelocation:
		return "UnsupportedRelocation"
	case ErrMalformedPair:
		return "MalformedPair"
	case ErrMalformedInstruction:
		return "MalformedInstruction"
	case ErrFixupOutOfBlock:
		return "FixupOutOfBlock"
	case ErrTargetOutOfRange:
		return "TargetOutOfRange"
	case ErrMisalignment:
		return "Misalignment"
	case ErrSymbolNotFound:
		return "SymbolNotFound"
	}
	return "Unknown"
}

// Error is a structured link error: a kind tag plus a human-readable
// message. The linker is a library, so failures surface as errors rather
// than exit codes.
type Error struct {
	Kind ErrorKind
	msg  string
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *Error) Error() string { return e.msg }

// ErrorKindOf returns the kind carried by err, or zero if err is not a
// link error.
func ErrorKindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}
