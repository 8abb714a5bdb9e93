package dwarf

import (
	"errors"
	"fmt"
)

// ErrBreakpoint is returned by Step when a breakpoint callback asks the
// VM to stop. Run treats it as a clean halt.
var ErrBreakpoint = errors.New("breakpoint hit")

// BreakpointFunc runs before the op at its PC executes. Returning true
// halts execution; the op may be inspected or rewritten first.
type BreakpointFunc func(vm *VM, op *Op) bool

// State is an immutable snapshot of the VM at one step: the program
// counter and the full operand stack, bottom first.
type State struct {
	PC    uint64
	Stack []uint64
}

// VM executes DWARF expression bytecode against a target memory image.
// The operand stack holds 64-bit machine words, bottom at index 0.
type VM struct {
	PC    uint64
	Stack []uint64

	// ctx is the base address of the register context block; reg ops
	// read pointers out of it at ctx + 8*reg.
	ctx uint64

	mem         *Memory
	breakpoints map[uint64]BreakpointFunc
}

// NewVM creates a VM starting at pc with the given register-context base
// address and memory.
func NewVM(pc, ctx uint64, mem *Memory) *VM {
	return &VM{
		PC:          pc,
		ctx:         ctx,
		mem:         mem,
		breakpoints: make(map[uint64]BreakpointFunc),
	}
}

// SetBreakpoint installs a callback at pc, replacing any existing one.
func (v *VM) SetBreakpoint(pc uint64, fn BreakpointFunc) {
	v.breakpoints[pc] = fn
}

// State returns a snapshot of the current PC and stack.
func (v *VM) State() State {
	stack := make([]uint64, len(v.Stack))
	copy(stack, v.Stack)
	return State{PC: v.PC, Stack: stack}
}

// SetState restores a previously captured snapshot.
func (v *VM) SetState(s State) {
	v.PC = s.PC
	v.Stack = make([]uint64, len(s.Stack))
	copy(v.Stack, s.Stack)
}

// Step decodes and executes one operation. Branch offsets are relative to
// the instruction following the branch.
func (v *VM) Step() error {
	code, err := v.mem.Slice(v.PC)
	if err != nil {
		return fmt.Errorf("fetch at %#x: %w", v.PC, err)
	}
	size, op, err := Decode(code)
	if err != nil {
		return fmt.Errorf("decode at %#x: %w", v.PC, err)
	}

	if bkpt, ok := v.breakpoints[v.PC]; ok {
		if bkpt(v, &op) {
			return ErrBreakpoint
		}
	}

	v.PC += uint64(size)

	return v.execute(op)
}

// Run executes until a breakpoint halts the VM or an error occurs,
// returning the number of executed instructions. A positive limit caps
// the instruction count.
func (v *VM) Run(limit int) (int, error) {
	ins := 0
	for {
		if limit > 0 && ins >= limit {
			return ins, nil
		}
		if err := v.Step(); err != nil {
			if errors.Is(err, ErrBreakpoint) {
				return ins, nil
			}
			return ins, err
		}
		ins++
	}
}

func (v *VM) execute(op Op) error {
	switch op.Kind {
	case KindAddr:
		w, err := v.mem.ReadU64(op.Val)
		if err != nil {
			return err
		}
		v.push(w)

	case KindDeref:
		t, err := v.pop()
		if err != nil {
			return err
		}
		w, err := v.mem.ReadU64(t)
		if err != nil {
			return err
		}
		v.push(w)

	case KindConst, KindLit:
		v.push(op.Val)

	case KindDup:
		t, err := v.peek(0)
		if err != nil {
			return err
		}
		v.push(t)

	case KindDrop:
		if _, err := v.pop(); err != nil {
			return err
		}

	case KindOver:
		t, err := v.peek(1)
		if err != nil {
			return err
		}
		v.push(t)

	case KindPick:
		t, err := v.peek(int(op.Val))
		if err != nil {
			return err
		}
		v.push(t)

	case KindSwap:
		p, q, err := v.pop2()
		if err != nil {
			return err
		}
		v.push(p)
		v.push(q)

	case KindRot:
		x, err := v.pop()
		if err != nil {
			return err
		}
		y, err := v.pop()
		if err != nil {
			return err
		}
		z, err := v.pop()
		if err != nil {
			return err
		}
		v.push(x)
		v.push(z)
		v.push(y)

	case KindAbs:
		t, err := v.pop()
		if err != nil {
			return err
		}
		s := int64(t)
		if s < 0 {
			s = -s
		}
		v.push(uint64(s))

	case KindNeg:
		t, err := v.pop()
		if err != nil {
			return err
		}
		v.push(uint64(-int64(t)))

	case KindNot:
		t, err := v.pop()
		if err != nil {
			return err
		}
		v.push(^t)

	case KindPlusConst:
		t, err := v.pop()
		if err != nil {
			return err
		}
		v.push(t + op.Val)

	case KindAnd, KindDiv, KindMinus, KindMod, KindMul, KindOr, KindPlus,
		KindShl, KindShr, KindShra, KindXor,
		KindEq, KindGe, KindGt, KindLe, KindLt, KindNe:
		if err := v.binary(op.Kind); err != nil {
			return err
		}

	case KindBra:
		t, err := v.pop()
		if err != nil {
			return err
		}
		if t != 0 {
			v.PC += uint64(op.Off)
		}

	case KindSkip:
		v.PC += uint64(op.Off)

	case KindReg:
		p, err := v.mem.ReadU64(v.ctx + op.Val*8)
		if err != nil {
			return err
		}
		q, err := v.mem.ReadU64(p)
		if err != nil {
			return err
		}
		v.push(q)

	case KindDerefSize:
		t, err := v.pop()
		if err != nil {
			return err
		}
		var w uint64
		switch op.Val {
		case 8:
			w, err = v.mem.ReadU64(t)
		case 4:
			var w32 uint32
			w32, err = v.mem.ReadU32(t)
			w = uint64(w32)
		case 2:
			var w16 uint16
			w16, err = v.mem.ReadU16(t)
			w = uint64(w16)
		case 1:
			var w8 uint8
			w8, err = v.mem.ReadU8(t)
			w = uint64(w8)
		default:
			return fmt.Errorf("bad deref_size operand %d", op.Val)
		}
		if err != nil {
			return err
		}
		v.push(w)

	case KindNop:

	case KindBReg, KindRegX, KindBRegX:
		return fmt.Errorf("unimplemented op %s", op)

	default:
		return fmt.Errorf("unexpected op %s", op)
	}

	return nil
}

// binary pops p then q and pushes the result of q <op> p. Arithmetic
// wraps; comparisons push 0 or 1.
func (v *VM) binary(kind Kind) error {
	p, q, err := v.pop2()
	if err != nil {
		return err
	}

	var r uint64
	switch kind {
	case KindAnd:
		r = q & p
	case KindDiv:
		if p == 0 {
			return fmt.Errorf("division by zero")
		}
		r = q / p
	case KindMinus:
		r = q - p
	case KindMod:
		if p == 0 {
			return fmt.Errorf("modulo by zero")
		}
		r = q % p
	case KindMul:
		r = q * p
	case KindOr:
		r = q | p
	case KindPlus:
		r = q + p
	case KindShl:
		r = shift(q, p, func(a uint64, n uint) uint64 { return a << n })
	case KindShr, KindShra:
		r = shift(q, p, func(a uint64, n uint) uint64 { return a >> n })
	case KindXor:
		r = q ^ p
	case KindEq:
		r = boolWord(q == p)
	case KindGe:
		r = boolWord(q >= p)
	case KindGt:
		r = boolWord(q > p)
	case KindLe:
		r = boolWord(q <= p)
	case KindLt:
		r = boolWord(q < p)
	case KindNe:
		r = boolWord(q != p)
	}

	v.push(r)
	return nil
}

// shift applies fn with a count saturated past the word width to zero.
func shift(a, count uint64, fn func(uint64, uint) uint64) uint64 {
	if count >= 64 {
		return 0
	}
	return fn(a, uint(count))
}

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (v *VM) push(w uint64) {
	v.Stack = append(v.Stack, w)
}

func (v *VM) pop() (uint64, error) {
	if len(v.Stack) == 0 {
		return 0, fmt.Errorf("pop from empty stack")
	}
	w := v.Stack[len(v.Stack)-1]
	v.Stack = v.Stack[:len(v.Stack)-1]
	return w, nil
}

// pop2 pops the top two words, top first.
func (v *VM) pop2() (p, q uint64, err error) {
	p, err = v.pop()
	if err != nil {
		return 0, 0, err
	}
	q, err = v.pop()
	if err != nil {
		return 0, 0, err
	}
	return p, q, nil
}

// peek returns the word n slots below the top without popping.
func (v *VM) peek(n int) (uint64, error) {
	if n < 0 || n >= len(v.Stack) {
		return 0, fmt.Errorf("stack index %d out of range (depth %d)", n, len(v.Stack))
	}
	return v.Stack[len(v.Stack)-1-n], nil
}
