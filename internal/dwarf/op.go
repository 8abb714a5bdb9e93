package dwarf

import (
	"encoding/binary"
	"fmt"
)

// DWARF expression opcodes (DWARF v4 §7.7.1).
const (
	opAddr      = 0x03
	opDeref     = 0x06
	opConst1u   = 0x08
	opConst1s   = 0x09
	opConst2u   = 0x0a
	opConst2s   = 0x0b
	opConst4u   = 0x0c
	opConst4s   = 0x0d
	opConst8u   = 0x0e
	opConst8s   = 0x0f
	opConstu    = 0x10
	opConsts    = 0x11
	opDup       = 0x12
	opDrop      = 0x13
	opOver      = 0x14
	opPick      = 0x15
	opSwap      = 0x16
	opRot       = 0x17
	opAbs       = 0x19
	opAnd       = 0x1a
	opDiv       = 0x1b
	opMinus     = 0x1c
	opMod       = 0x1d
	opMul       = 0x1e
	opNeg       = 0x1f
	opNot       = 0x20
	opOr        = 0x21
	opPlus      = 0x22
	opPlusConst = 0x23
	opShl       = 0x24
	opShr       = 0x25
	opShra      = 0x26
	opXor       = 0x27
	opBra       = 0x28
	opEq        = 0x29
	opGe        = 0x2a
	opGt        = 0x2b
	opLe        = 0x2c
	opLt        = 0x2d
	opNe        = 0x2e
	opSkip      = 0x2f
	opLit0      = 0x30
	opLit31     = 0x4f
	opReg0      = 0x50
	opReg31     = 0x6f
	opBreg0     = 0x70
	opBreg31    = 0x8f
	opRegx      = 0x90
	opBregx     = 0x92
	opDerefSize = 0x94
	opNop       = 0x96
)

// Kind identifies a decoded operation.
type Kind int

const (
	KindAddr Kind = iota
	KindDeref
	KindConst
	KindDup
	KindDrop
	KindOver
	KindPick
	KindSwap
	KindRot
	KindAbs
	KindAnd
	KindDiv
	KindMinus
	KindMod
	KindMul
	KindNeg
	KindNot
	KindOr
	KindPlus
	KindPlusConst
	KindShl
	KindShr
	KindShra
	KindXor
	KindBra
	KindEq
	KindGe
	KindGt
	KindLe
	KindLt
	KindNe
	KindSkip
	KindLit
	KindReg
	KindRegX
	KindBReg
	KindBRegX
	KindDerefSize
	KindNop
)

var kindNames = map[Kind]string{
	KindAddr: "addr", KindDeref: "deref", KindConst: "const",
	KindDup: "dup", KindDrop: "drop", KindOver: "over", KindPick: "pick",
	KindSwap: "swap", KindRot: "rot", KindAbs: "abs", KindAnd: "and",
	KindDiv: "div", KindMinus: "minus", KindMod: "mod", KindMul: "mul",
	KindNeg: "neg", KindNot: "not", KindOr: "or", KindPlus: "plus",
	KindPlusConst: "plus_uconst", KindShl: "shl", KindShr: "shr",
	KindShra: "shra", KindXor: "xor", KindBra: "bra", KindEq: "eq",
	KindGe: "ge", KindGt: "gt", KindLe: "le", KindLt: "lt", KindNe: "ne",
	KindSkip: "skip", KindLit: "lit", KindReg: "reg", KindRegX: "regx",
	KindBReg: "breg", KindBRegX: "bregx", KindDerefSize: "deref_size",
	KindNop: "nop",
}

// Op is one decoded DWARF expression operation. Val carries the operand
// for constants, literals, register numbers, pick indexes, and deref
// sizes (constants already sign- or zero-extended to 64 bits); Off
// carries signed branch offsets and base-register displacements.
type Op struct {
	Kind Kind
	Val  uint64
	Off  int64
}

// String renders the op for state logging.
func (o Op) String() string {
	name := kindNames[o.Kind]
	switch o.Kind {
	case KindAddr, KindConst, KindPlusConst:
		return fmt.Sprintf("%s(%#x)", name, o.Val)
	case KindPick, KindDerefSize:
		return fmt.Sprintf("%s(%d)", name, o.Val)
	case KindLit, KindReg, KindRegX:
		return fmt.Sprintf("%s%d", name, o.Val)
	case KindBra, KindSkip:
		return fmt.Sprintf("%s(%+d)", name, o.Off)
	case KindBReg, KindBRegX:
		return fmt.Sprintf("%s%d(%+d)", name, o.Val, o.Off)
	default:
		return name
	}
}

// DecodeError reports an undecodable byte sequence.
type DecodeError struct {
	Opcode byte
	Reason string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode opcode %#02x: %s", e.Opcode, e.Reason)
}

// Decode decodes one operation from the start of buf, returning the
// encoded size in bytes and the operation. Addresses are 8 bytes
// little-endian (64-bit target).
func Decode(buf []byte) (int, Op, error) {
	if len(buf) == 0 {
		return 0, Op{}, &DecodeError{Reason: "empty buffer"}
	}
	code := buf[0]
	rest := buf[1:]

	switch {
	case code == opAddr:
		if len(rest) < 8 {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: "truncated address"}
		}
		return 9, Op{Kind: KindAddr, Val: binary.LittleEndian.Uint64(rest)}, nil

	case code == opDeref:
		return 1, Op{Kind: KindDeref}, nil

	case code >= opConst1u && code <= opConst8s:
		return decodeConst(code, rest)

	case code == opConstu:
		v, n, err := readULEB(rest)
		if err != nil {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: err.Error()}
		}
		return 1 + n, Op{Kind: KindConst, Val: v}, nil

	case code == opConsts:
		v, n, err := readSLEB(rest)
		if err != nil {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: err.Error()}
		}
		return 1 + n, Op{Kind: KindConst, Val: uint64(v)}, nil

	case code == opPick:
		if len(rest) < 1 {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: "truncated index"}
		}
		return 2, Op{Kind: KindPick, Val: uint64(rest[0])}, nil

	case code == opPlusConst:
		v, n, err := readULEB(rest)
		if err != nil {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: err.Error()}
		}
		return 1 + n, Op{Kind: KindPlusConst, Val: v}, nil

	case code == opBra || code == opSkip:
		if len(rest) < 2 {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: "truncated offset"}
		}
		off := int64(int16(binary.LittleEndian.Uint16(rest)))
		kind := KindSkip
		if code == opBra {
			kind = KindBra
		}
		return 3, Op{Kind: kind, Off: off}, nil

	case code >= opLit0 && code <= opLit31:
		return 1, Op{Kind: KindLit, Val: uint64(code - opLit0)}, nil

	case code >= opReg0 && code <= opReg31:
		return 1, Op{Kind: KindReg, Val: uint64(code - opReg0)}, nil

	case code >= opBreg0 && code <= opBreg31:
		off, n, err := readSLEB(rest)
		if err != nil {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: err.Error()}
		}
		return 1 + n, Op{Kind: KindBReg, Val: uint64(code - opBreg0), Off: off}, nil

	case code == opRegx:
		v, n, err := readULEB(rest)
		if err != nil {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: err.Error()}
		}
		return 1 + n, Op{Kind: KindRegX, Val: v}, nil

	case code == opBregx:
		reg, n1, err := readULEB(rest)
		if err != nil {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: err.Error()}
		}
		off, n2, err := readSLEB(rest[n1:])
		if err != nil {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: err.Error()}
		}
		return 1 + n1 + n2, Op{Kind: KindBRegX, Val: reg, Off: off}, nil

	case code == opDerefSize:
		if len(rest) < 1 {
			return 0, Op{}, &DecodeError{Opcode: code, Reason: "truncated size"}
		}
		return 2, Op{Kind: KindDerefSize, Val: uint64(rest[0])}, nil

	case code == opNop:
		return 1, Op{Kind: KindNop}, nil
	}

	// Single-byte stack and arithmetic ops.
	simple := map[byte]Kind{
		opDup: KindDup, opDrop: KindDrop, opOver: KindOver,
		opSwap: KindSwap, opRot: KindRot, opAbs: KindAbs, opAnd: KindAnd,
		opDiv: KindDiv, opMinus: KindMinus, opMod: KindMod, opMul: KindMul,
		opNeg: KindNeg, opNot: KindNot, opOr: KindOr, opPlus: KindPlus,
		opShl: KindShl, opShr: KindShr, opShra: KindShra, opXor: KindXor,
		opEq: KindEq, opGe: KindGe, opGt: KindGt, opLe: KindLe,
		opLt: KindLt, opNe: KindNe,
	}
	if kind, ok := simple[code]; ok {
		return 1, Op{Kind: kind}, nil
	}

	return 0, Op{}, &DecodeError{Opcode: code, Reason: "unknown opcode"}
}

// decodeConst decodes the fixed-size constant forms, extending the value
// to 64 bits (sign-extending the signed forms).
func decodeConst(code byte, rest []byte) (int, Op, error) {
	sizes := map[byte]int{
		opConst1u: 1, opConst1s: 1,
		opConst2u: 2, opConst2s: 2,
		opConst4u: 4, opConst4s: 4,
		opConst8u: 8, opConst8s: 8,
	}
	size := sizes[code]
	if len(rest) < size {
		return 0, Op{}, &DecodeError{Opcode: code, Reason: "truncated constant"}
	}

	var v uint64
	switch code {
	case opConst1u:
		v = uint64(rest[0])
	case opConst1s:
		v = uint64(int64(int8(rest[0])))
	case opConst2u:
		v = uint64(binary.LittleEndian.Uint16(rest))
	case opConst2s:
		v = uint64(int64(int16(binary.LittleEndian.Uint16(rest))))
	case opConst4u:
		v = uint64(binary.LittleEndian.Uint32(rest))
	case opConst4s:
		v = uint64(int64(int32(binary.LittleEndian.Uint32(rest))))
	case opConst8u, opConst8s:
		v = binary.LittleEndian.Uint64(rest)
	}

	return 1 + size, Op{Kind: KindConst, Val: v}, nil
}

// readULEB reads an unsigned LEB128 value, returning it and the number of
// bytes consumed.
func readULEB(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range buf {
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("uleb128 overflows 64 bits")
		}
	}
	return 0, 0, fmt.Errorf("truncated uleb128")
}

// readSLEB reads a signed LEB128 value, returning it and the number of
// bytes consumed.
func readSLEB(buf []byte) (int64, int, error) {
	var v int64
	var shift uint
	for i, b := range buf {
		v |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= -1 << shift
			}
			return v, i + 1, nil
		}
		if shift >= 64 {
			return 0, 0, fmt.Errorf("sleb128 overflows 64 bits")
		}
	}
	return 0, 0, fmt.Errorf("truncated sleb128")
}
