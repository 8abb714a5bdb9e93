package ops

import (
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/errors"
	"github.com/jmallek/chew/internal/trace"
)

const testProgAddr = 0x1000

// testProgram is lit8, lit3, plus, nop.
var testProgram = []byte{0x38, 0x33, 0x22, 0x96}

// testProgramRecords are the interpreter states before each op executes.
func testProgramRecords() []trace.Record {
	return []trace.Record{
		{InstructionAddress: 0x1000, ReportedDepth: 0, StackWords: []uint64{}},
		{InstructionAddress: 0x1001, ReportedDepth: 1, StackWords: []uint64{8}},
		{InstructionAddress: 0x1002, ReportedDepth: 2, StackWords: []uint64{8, 3}},
		{InstructionAddress: 0x1003, ReportedDepth: 1, StackWords: []uint64{11}},
	}
}

// writeTestCore writes a minimal ELF image with one loaded section holding
// data at addr.
func writeTestCore(t *testing.T, path string, addr uint64, data []byte) {
	t.Helper()

	shstrtab := []byte("\x00.data\x00.shstrtab\x00")
	dataOff := uint64(64)
	strOff := dataOff + uint64(len(data))
	shoff := strOff + uint64(len(shstrtab))
	if pad := shoff % 8; pad != 0 {
		shoff += 8 - pad
	}

	buf := make([]byte, shoff+3*64)
	le := binary.LittleEndian

	// ELF header
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le.PutUint16(buf[16:], 4)    // ET_CORE
	le.PutUint16(buf[18:], 0x3e) // EM_X86_64
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[40:], shoff)
	le.PutUint16(buf[52:], 64) // ehsize
	le.PutUint16(buf[58:], 64) // shentsize
	le.PutUint16(buf[60:], 3)  // shnum
	le.PutUint16(buf[62:], 2)  // shstrndx

	copy(buf[dataOff:], data)
	copy(buf[strOff:], shstrtab)

	// Section headers: null, .data (PROGBITS), .shstrtab (STRTAB)
	sh := func(i int, name, typ uint32, secAddr, off, size uint64) {
		base := shoff + uint64(i)*64
		le.PutUint32(buf[base:], name)
		le.PutUint32(buf[base+4:], typ)
		le.PutUint64(buf[base+16:], secAddr)
		le.PutUint64(buf[base+24:], off)
		le.PutUint64(buf[base+32:], size)
		le.PutUint64(buf[base+48:], 1) // addralign
	}
	sh(1, 1, 1, addr, dataOff, uint64(len(data)))
	sh(2, 7, 3, 0, strOff, uint64(len(shstrtab)))

	if err := os.WriteFile(path, buf, 0600); err != nil {
		t.Fatalf("write core: %v", err)
	}
}

// insertReplayRun stores records directly so tests control the exact trace.
func insertReplayRun(t *testing.T, database *sql.DB, id string, records []trace.Record) {
	t.Helper()
	run := &db.Run{
		ID:          id,
		RecordCount: len(records),
		CreatedAt:   time.Now().Unix(),
	}
	if err := db.InsertRun(database, run, records); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
}

func setupVerify(t *testing.T, records []trace.Record) (*sql.DB, *config.Config, string) {
	t.Helper()
	database, cfg, workDir := setupEnv(t)

	insertReplayRun(t, database, "01REPLAY000000000000000001", records)

	corePath := filepath.Join(workDir, "interp.core")
	writeTestCore(t, corePath, testProgAddr, testProgram)

	return database, cfg, corePath
}

func TestVerifyMatchingTrace(t *testing.T) {
	database, cfg, corePath := setupVerify(t, testProgramRecords())

	out, err := Verify(database, cfg, VerifyInput{
		ID:       "01REPLAY000000000000000001",
		CorePath: corePath,
		EntryPC:  testProgAddr,
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !out.Verified {
		t.Fatalf("Verified = false, mismatch %+v", out.Mismatch)
	}
	if out.StepsChecked != 4 {
		t.Errorf("StepsChecked = %d, want 4", out.StepsChecked)
	}
}

func TestVerifyDetectsPCMismatch(t *testing.T) {
	records := testProgramRecords()
	records[1].InstructionAddress = 0x1042
	database, cfg, corePath := setupVerify(t, records)

	out, err := Verify(database, cfg, VerifyInput{
		ID:       "01REPLAY000000000000000001",
		CorePath: corePath,
		EntryPC:  testProgAddr,
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if out.Verified {
		t.Fatal("Verified = true, want mismatch")
	}
	if out.Mismatch == nil || out.Mismatch.Field != "pc" || out.Mismatch.Step != 1 {
		t.Errorf("unexpected mismatch %+v", out.Mismatch)
	}
	if out.StepsChecked != 1 {
		t.Errorf("StepsChecked = %d, want 1", out.StepsChecked)
	}
}

func TestVerifyDetectsStackMismatch(t *testing.T) {
	records := testProgramRecords()
	records[2].StackWords = []uint64{8, 4}
	database, cfg, corePath := setupVerify(t, records)

	out, err := Verify(database, cfg, VerifyInput{
		ID:       "01REPLAY000000000000000001",
		CorePath: corePath,
		EntryPC:  testProgAddr,
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if out.Verified {
		t.Fatal("Verified = true, want mismatch")
	}
	if out.Mismatch == nil || out.Mismatch.Field != "stack" || out.Mismatch.Step != 2 {
		t.Errorf("unexpected mismatch %+v", out.Mismatch)
	}
}

func TestVerifyDetectsDepthMismatch(t *testing.T) {
	records := testProgramRecords()
	records[3].ReportedDepth = 2
	database, cfg, corePath := setupVerify(t, records)

	out, err := Verify(database, cfg, VerifyInput{
		ID:       "01REPLAY000000000000000001",
		CorePath: corePath,
		EntryPC:  testProgAddr,
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if out.Verified {
		t.Fatal("Verified = true, want mismatch")
	}
	if out.Mismatch == nil || out.Mismatch.Field != "depth" || out.Mismatch.Step != 3 {
		t.Errorf("unexpected mismatch %+v", out.Mismatch)
	}
}

func TestVerifyMaxStepsSkipsLaterMismatch(t *testing.T) {
	records := testProgramRecords()
	records[3].ReportedDepth = 99
	database, cfg, corePath := setupVerify(t, records)

	out, err := Verify(database, cfg, VerifyInput{
		ID:       "01REPLAY000000000000000001",
		CorePath: corePath,
		EntryPC:  testProgAddr,
		MaxSteps: 2,
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !out.Verified {
		t.Errorf("Verified = false, mismatch %+v", out.Mismatch)
	}
	if out.StepsChecked != 2 {
		t.Errorf("StepsChecked = %d, want 2", out.StepsChecked)
	}
}

func TestVerifyNotAnELF(t *testing.T) {
	database, cfg, workDir := setupEnv(t)
	insertReplayRun(t, database, "01REPLAY000000000000000001", testProgramRecords())

	path := filepath.Join(workDir, "bogus.core")
	if err := os.WriteFile(path, []byte("not an elf"), 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := Verify(database, cfg, VerifyInput{
		ID:       "01REPLAY000000000000000001",
		CorePath: path,
		EntryPC:  testProgAddr,
	})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestVerifyMissingCore(t *testing.T) {
	database, cfg, workDir := setupEnv(t)
	insertReplayRun(t, database, "01REPLAY000000000000000001", testProgramRecords())

	_, err := Verify(database, cfg, VerifyInput{
		ID:       "01REPLAY000000000000000001",
		CorePath: filepath.Join(workDir, "missing.core"),
		EntryPC:  testProgAddr,
	})
	if !errors.Is(err, errors.ErrFileNotFound) {
		t.Errorf("expected FILE_NOT_FOUND, got %v", err)
	}
}

func TestWindowStack(t *testing.T) {
	tests := []struct {
		name  string
		stack []uint64
		depth int64
		want  []uint64
	}{
		{"empty", []uint64{}, 0, []uint64{}},
		{"shallow whole stack", []uint64{8, 3}, 2, []uint64{8, 3}},
		{"deep top five reversed", []uint64{1, 2, 3, 4, 5, 6, 7}, 7, []uint64{7, 6, 5, 4, 3}},
		{"boundary at six", []uint64{1, 2, 3, 4, 5, 6}, 6, []uint64{6, 5, 4, 3, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := windowStack(tt.stack, tt.depth)
			if len(got) != len(tt.want) {
				t.Fatalf("windowStack = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("windowStack = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}
