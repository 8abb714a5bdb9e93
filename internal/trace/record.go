package trace

// Record is one reconstructed pause event: the interpreter state captured
// when the instrumented breakpoint fired.
//
// JSON field names match the record files consumed by the replay verifier
// (pc / stack_sz / stack).
type Record struct {
	// InstructionAddress is the address of the instruction being executed
	// at the moment of the pause. The breakpoint fires one instruction
	// after the instruction of interest, so this is the printed address
	// minus one.
	InstructionAddress uint64 `json:"pc"`

	// ReportedDepth is the corrected count of populated operand-stack
	// slots. The raw counter printed by the instrumentation counts one
	// extra slot, so this is the printed value minus one.
	ReportedDepth int64 `json:"stack_sz"`

	// StackWords is the normalized window onto the operand stack, at most
	// five words. When ReportedDepth < 6 it holds the last ReportedDepth
	// raw words in address-increasing order; otherwise the first five raw
	// words with index 0 = top of stack.
	StackWords []uint64 `json:"stack"`
}
