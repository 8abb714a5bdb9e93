package ops

import (
	"database/sql"
	"debug/elf"
	"fmt"
	"strings"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/dwarf"
	"github.com/jmallek/chew/internal/errors"
	"github.com/jmallek/chew/internal/trace"
)

// VerifyInput contains parameters for the Verify operation.
type VerifyInput struct {
	ID             string
	CorePath       string // ELF core image holding the expression bytecode and data
	EntryPC        uint64 // address of the first expression op
	ContextAddr    uint64 // base address of the register context block
	MaxSteps       int    // optional cap on replayed steps, 0 = all records
	IncludeDeleted bool
}

// VerifyMismatch describes the first divergence between the stored trace
// and the replay.
type VerifyMismatch struct {
	Step  int    `json:"step"`
	Field string `json:"field"`
	Want  any    `json:"want"`
	Got   any    `json:"got"`
}

// VerifyOutput contains the result of the Verify operation.
type VerifyOutput struct {
	ID           string          `json:"id"`
	StepsChecked int             `json:"steps_checked"`
	Verified     bool            `json:"verified"`
	Mismatch     *VerifyMismatch `json:"mismatch,omitempty"`
}

// Verify replays the expression program from a core image and compares the
// interpreter state before each step against the stored records. A
// divergence is reported in the output, not as an error, so callers can
// render the mismatch detail.
func Verify(database *sql.DB, cfg *config.Config, input VerifyInput) (*VerifyOutput, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	if input.MaxSteps < 0 {
		return nil, errors.NewInvalidRequest("max_steps must not be negative")
	}

	run, err := db.GetRun(database, id, input.IncludeDeleted)
	if err != nil {
		return nil, err
	}
	records, err := db.GetRecords(database, run.ID)
	if err != nil {
		return nil, err
	}

	if err := ValidatePath(input.CorePath, PathCheckRead, "", cfg); err != nil {
		return nil, err
	}
	mem, err := openCoreImage(input.CorePath)
	if err != nil {
		return nil, err
	}

	steps := len(records)
	if input.MaxSteps > 0 && input.MaxSteps < steps {
		steps = input.MaxSteps
	}

	vm := dwarf.NewVM(input.EntryPC, input.ContextAddr, mem)
	for i := 0; i < steps; i++ {
		rec := records[i]

		if m := compareStep(i, rec, vm); m != nil {
			return &VerifyOutput{
				ID:           run.ID,
				StepsChecked: i,
				Verified:     false,
				Mismatch:     m,
			}, nil
		}

		// No step after the last record; the program may end right there.
		if i+1 < steps {
			if err := vm.Step(); err != nil {
				return nil, errors.NewInvalidRequest(
					fmt.Sprintf("replay halted at step %d: %v", i, err))
			}
		}
	}

	return &VerifyOutput{
		ID:           run.ID,
		StepsChecked: steps,
		Verified:     true,
	}, nil
}

// openCoreImage loads the memory image from an ELF core file, opened with
// the same symlink protections as export files.
func openCoreImage(path string) (*dwarf.Memory, error) {
	f, err := openFileNoFollowRead(path)
	if err != nil {
		if _, ok := err.(*errors.ChewError); ok {
			return nil, err
		}
		return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot open core image: %v", err))
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("not an ELF core image: %v", err))
	}
	defer ef.Close()

	mem, err := dwarf.NewMemoryFromELF(ef)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot load core image: %v", err))
	}
	return mem, nil
}

// compareStep checks one stored record against the interpreter state
// captured before the corresponding step executes.
func compareStep(step int, rec trace.Record, vm *dwarf.VM) *VerifyMismatch {
	if vm.PC != rec.InstructionAddress {
		return &VerifyMismatch{
			Step:  step,
			Field: "pc",
			Want:  fmt.Sprintf("%#x", rec.InstructionAddress),
			Got:   fmt.Sprintf("%#x", vm.PC),
		}
	}

	if int64(len(vm.Stack)) != rec.ReportedDepth {
		return &VerifyMismatch{
			Step:  step,
			Field: "depth",
			Want:  rec.ReportedDepth,
			Got:   len(vm.Stack),
		}
	}

	want := rec.StackWords
	got := windowStack(vm.Stack, rec.ReportedDepth)
	if len(want) != len(got) {
		return &VerifyMismatch{Step: step, Field: "stack", Want: want, Got: got}
	}
	for j := range want {
		if want[j] != got[j] {
			return &VerifyMismatch{Step: step, Field: "stack", Want: want, Got: got}
		}
	}
	return nil
}

// windowStack reduces the interpreter's operand stack (bottom first) to the
// shape stored in a record. Shallow stacks are recorded whole, bottom
// first; deep stacks are recorded as the top five words, top first.
func windowStack(stack []uint64, depth int64) []uint64 {
	if depth < 6 {
		out := make([]uint64, len(stack))
		copy(out, stack)
		return out
	}

	n := 5
	if len(stack) < n {
		n = len(stack)
	}
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, stack[len(stack)-1-i])
	}
	return out
}
