package ops

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/db"
)

// setupEnv creates a database in a temp dir and a config whose allowed
// paths include a second temp dir for file-touching operations.
func setupEnv(t *testing.T) (*sql.DB, *config.Config, string) {
	t.Helper()

	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	workDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{workDir}

	return database, cfg, workDir
}

// transcriptEvent renders one pause event in debugger-transcript form.
// reportedAddr and reportedCount carry the off-by-one the debugger prints;
// words is the six-word window in dump order.
func transcriptEvent(reportedAddr uint64, reportedCount int64, words [6]uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Breakpoint 2, execute_stack_op (expr=0x403040) at interp.c:247\n")
	fmt.Fprintf(&b, "247\t    in interp.c\n")
	fmt.Fprintf(&b, "%#x:\tadd\n", reportedAddr)
	fmt.Fprintf(&b, "op_count = %d\n", reportedCount)
	fmt.Fprintf(&b, "0x7ffc10:\t%d\t%d\n", words[0], words[1])
	fmt.Fprintf(&b, "0x7ffc20:\t%d\t%d\n", words[2], words[3])
	fmt.Fprintf(&b, "0x7ffc30:\t%d\t%d\n", words[4], words[5])
	return b.String()
}

// sampleTranscript is a two-event transcript: one shallow stack, one deep.
func sampleTranscript() string {
	var b strings.Builder
	b.WriteString("GNU gdb (GDB) 12.1\n")
	b.WriteString("Reading symbols from ./interp...\n")
	b.WriteString(transcriptEvent(0x40025d, 2, [6]uint64{10, 11, 12, 13, 14, 15}))
	b.WriteString("Continuing.\n")
	b.WriteString(transcriptEvent(0x40025f, 8, [6]uint64{20, 21, 22, 23, 24, 25}))
	return b.String()
}

// storeSampleRun scans sampleTranscript and returns the new run id.
func storeSampleRun(t *testing.T, database *sql.DB, cfg *config.Config, label string) string {
	t.Helper()

	input := ScanInput{Transcript: sampleTranscript()}
	if label != "" {
		input.Label = &label
	}
	out, err := Scan(database, cfg, input)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if out.ID == "" {
		t.Fatal("Scan returned empty id")
	}
	return out.ID
}
