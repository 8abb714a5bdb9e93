package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/ops"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	cleanup := func() {
		database.Close()
	}
	return database, cleanup
}

// testConfig returns a config for testing with temp dirs allowed.
func testConfig(allowedDir string) *config.Config {
	cfg := config.DefaultConfig()
	if allowedDir != "" {
		cfg.AllowedPaths = []string{allowedDir}
	}
	return cfg
}

// validTranscript returns a transcript with two pause events.
func validTranscript() string {
	var b strings.Builder
	b.WriteString("GNU gdb (GDB) 12.1\n")
	b.WriteString("Breakpoint 2, execute_stack_op (expr=0x403040) at interp.c:247\n")
	b.WriteString("247\t    in interp.c\n")
	b.WriteString("0x40025d:\tadd\n")
	b.WriteString("op_count = 2\n")
	b.WriteString("0x7ffc10:\t10\t11\n")
	b.WriteString("0x7ffc20:\t12\t13\n")
	b.WriteString("0x7ffc30:\t14\t15\n")
	b.WriteString("Continuing.\n")
	b.WriteString("Breakpoint 2, execute_stack_op (expr=0x403040) at interp.c:247\n")
	b.WriteString("247\t    in interp.c\n")
	b.WriteString("0x40025f:\tdrop\n")
	b.WriteString("op_count = 8\n")
	b.WriteString("0x7ffc10:\t20\t21\n")
	b.WriteString("0x7ffc20:\t22\t23\n")
	b.WriteString("0x7ffc30:\t24\t25\n")
	return b.String()
}

// runApp runs the CLI app with stdout captured.
func runApp(t *testing.T, app *cli.App, args ...string) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := app.Run(append([]string{"chew"}, args...))

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout

	return buf.String(), err
}

// storeRun scans validTranscript directly through ops and returns the run id.
func storeRun(t *testing.T, database *sql.DB, cfg *config.Config) string {
	t.Helper()
	out, err := ops.Scan(database, cfg, ops.ScanInput{Transcript: validTranscript()})
	if err != nil {
		t.Fatalf("failed to store test run: %v", err)
	}
	return out.ID
}

// TestParseDuration tests the parseDuration helper function.
func TestParseDuration(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    int
		expectError bool
	}{
		{
			name:     "valid days",
			input:    "7d",
			expected: 7,
		},
		{
			name:     "zero days",
			input:    "0d",
			expected: 0,
		},
		{
			name:     "large number",
			input:    "365d",
			expected: 365,
		},
		{
			name:        "negative days",
			input:       "-7d",
			expectError: true,
		},
		{
			name:        "no suffix",
			input:       "7",
			expectError: true,
		},
		{
			name:        "wrong suffix",
			input:       "7h",
			expectError: true,
		},
		{
			name:        "invalid number",
			input:       "abcd",
			expectError: true,
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseDuration(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

// TestParseAddress tests the parseAddress helper function.
func TestParseAddress(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    uint64
		expectError bool
	}{
		{
			name:     "hex address",
			input:    "0x40025c",
			expected: 0x40025c,
		},
		{
			name:     "decimal address",
			input:    "4096",
			expected: 4096,
		},
		{
			name:     "whitespace trimmed",
			input:    " 0x1000 ",
			expected: 0x1000,
		},
		{
			name:        "not a number",
			input:       "lots",
			expectError: true,
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseAddress("entry-pc", tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result != tt.expected {
				t.Errorf("expected %#x, got %#x", tt.expected, result)
			}
		})
	}
}

// TestCLIScan tests the scan command with a transcript file.
func TestCLIScan(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig("")

	transcriptPath := filepath.Join(t.TempDir(), "session.log")
	if err := os.WriteFile(transcriptPath, []byte(validTranscript()), 0600); err != nil {
		t.Fatalf("failed to write transcript: %v", err)
	}

	app := newCLIApp(database, cfg)

	stdout, err := runApp(t, app, "scan", "--file="+transcriptPath, "--label=session-1")
	if err != nil {
		t.Fatalf("scan command failed: %v", err)
	}

	var output ops.ScanOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, stdout)
	}

	if output.ID == "" {
		t.Error("expected non-empty ID")
	}
	if output.RecordCount != 2 {
		t.Errorf("expected record_count=2, got %d", output.RecordCount)
	}

	// The run is fetchable and carries the source path.
	fetched, err := ops.Fetch(database, ops.FetchInput{ID: output.ID})
	if err != nil {
		t.Fatalf("failed to fetch stored run: %v", err)
	}
	if fetched.SourcePath == nil || *fetched.SourcePath != transcriptPath {
		t.Errorf("expected source_path=%s, got %v", transcriptPath, fetched.SourcePath)
	}
	if fetched.Label == nil || *fetched.Label != "session-1" {
		t.Errorf("expected label=session-1, got %v", fetched.Label)
	}
}

// TestCLIScanStdin tests the scan command with a piped transcript.
func TestCLIScanStdin(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig("")

	app := newCLIApp(database, cfg)

	oldStdin := os.Stdin
	stdinR, stdinW, _ := os.Pipe()
	os.Stdin = stdinR
	defer func() { os.Stdin = oldStdin }()

	go func() {
		_, _ = stdinW.WriteString(validTranscript())
		stdinW.Close()
	}()

	stdout, err := runApp(t, app, "scan", "--dry-run")
	if err != nil {
		t.Fatalf("scan command failed: %v", err)
	}

	var output ops.ScanOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	if output.ID != "" {
		t.Errorf("dry run should not assign an id, got %s", output.ID)
	}
	if len(output.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(output.Records))
	}
	if output.Records[0].InstructionAddress != 0x40025c {
		t.Errorf("expected pc=0x40025c, got %#x", output.Records[0].InstructionAddress)
	}
}

// TestCLIFetch tests the fetch command.
func TestCLIFetch(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig("")

	id := storeRun(t, database, cfg)
	app := newCLIApp(database, cfg)

	stdout, err := runApp(t, app, "fetch", id)
	if err != nil {
		t.Fatalf("fetch command failed: %v", err)
	}

	var output ops.FetchOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	if output.ID != id {
		t.Errorf("expected ID=%s, got %s", id, output.ID)
	}
	if len(output.Records) != 2 {
		t.Errorf("expected 2 records, got %d", len(output.Records))
	}

	t.Run("no-records", func(t *testing.T) {
		stdout, err := runApp(t, app, "fetch", "--no-records", id)
		if err != nil {
			t.Fatalf("fetch command failed: %v", err)
		}

		var output ops.FetchOutput
		if err := json.Unmarshal([]byte(stdout), &output); err != nil {
			t.Fatalf("failed to parse output: %v", err)
		}
		if len(output.Records) != 0 {
			t.Errorf("expected no records, got %d", len(output.Records))
		}
	})
}

// TestCLIList tests the list command.
func TestCLIList(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig("")

	for range 3 {
		storeRun(t, database, cfg)
	}

	app := newCLIApp(database, cfg)

	stdout, err := runApp(t, app, "list")
	if err != nil {
		t.Fatalf("list command failed: %v", err)
	}

	var output ops.ListOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	if len(output.Runs) != 3 {
		t.Errorf("expected 3 runs, got %d", len(output.Runs))
	}
	if output.Pagination.Total != 3 {
		t.Errorf("expected total=3, got %d", output.Pagination.Total)
	}
}

// TestCLIDelete tests the delete command.
func TestCLIDelete(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig("")

	id := storeRun(t, database, cfg)
	app := newCLIApp(database, cfg)

	stdout, err := runApp(t, app, "delete", id)
	if err != nil {
		t.Fatalf("delete command failed: %v", err)
	}

	var output ops.DeleteOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	if !output.Deleted {
		t.Error("expected deleted=true")
	}
	if output.ID != id {
		t.Errorf("expected ID=%s, got %s", id, output.ID)
	}
}

// TestCLIExport tests the export command.
func TestCLIExport(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	exportDir := t.TempDir()
	cfg := testConfig(exportDir)

	id := storeRun(t, database, cfg)
	app := newCLIApp(database, cfg)

	exportPath := filepath.Join(exportDir, "run.jsonl")

	stdout, err := runApp(t, app, "export", "--path="+exportPath, id)
	if err != nil {
		t.Fatalf("export command failed: %v", err)
	}

	var output ops.ExportOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	if output.Count != 2 {
		t.Errorf("expected count=2, got %d", output.Count)
	}
	if output.Path != exportPath {
		t.Errorf("expected path=%s, got %s", exportPath, output.Path)
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("failed to read export file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Errorf("expected 3 lines (header + 2 records), got %d", len(lines))
	}
}

// TestCLIPurge tests the purge command.
func TestCLIPurge(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig("")

	id := storeRun(t, database, cfg)
	if _, err := ops.Delete(database, ops.DeleteInput{ID: id}); err != nil {
		t.Fatalf("failed to delete test run: %v", err)
	}

	app := newCLIApp(database, cfg)

	// Purge without --older-than to purge all deleted runs
	stdout, err := runApp(t, app, "purge")
	if err != nil {
		t.Fatalf("purge command failed: %v", err)
	}

	var output ops.PurgeOutput
	if err := json.Unmarshal([]byte(stdout), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	if output.PurgedCount != 1 {
		t.Errorf("expected purged_count=1, got %d", output.PurgedCount)
	}
}

// TestCLIErrorHandling tests error handling in CLI commands.
func TestCLIErrorHandling(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	cfg := testConfig("")

	app := newCLIApp(database, cfg)

	t.Run("fetch not found returns error", func(t *testing.T) {
		// cli.Exit writes to stderr, so just verify the error is returned
		_, err := runApp(t, app, "fetch", "01NOPE0000000000000000000")
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("delete not found returns error", func(t *testing.T) {
		_, err := runApp(t, app, "delete", "01NOPE0000000000000000000")
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("invalid duration format returns error", func(t *testing.T) {
		_, err := runApp(t, app, "purge", "--older-than=invalid")
		if err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("bad entry-pc returns error", func(t *testing.T) {
		id := storeRun(t, database, cfg)
		_, err := runApp(t, app, "verify", "--core=/nope", "--entry-pc=lots", id)
		if err == nil {
			t.Error("expected error, got nil")
		}
	})
}

// TestCLIVerifyMismatchExitsNonZero tests that a divergent replay fails the command.
func TestCLIVerifyMismatchExitsNonZero(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	workDir := t.TempDir()
	cfg := testConfig(workDir)

	// The recorded trace will not match this trivial program.
	id := storeRun(t, database, cfg)

	corePath := filepath.Join(workDir, "prog.core")
	writeCLITestCore(t, corePath, 0x1000, []byte{0x30, 0x96})

	app := newCLIApp(database, cfg)

	_, err := runApp(t, app, "verify", "--core="+corePath, "--entry-pc=0x1000", id)
	if err == nil {
		t.Error("expected error for mismatched replay, got nil")
	}
	if !strings.Contains(err.Error(), "VERIFY_MISMATCH") {
		t.Errorf("expected VERIFY_MISMATCH in error, got %v", err)
	}
}

// writeCLITestCore writes a minimal ELF image with one loaded section.
func writeCLITestCore(t *testing.T, path string, addr uint64, data []byte) {
	t.Helper()

	var buf bytes.Buffer

	shstrtab := []byte("\x00.data\x00.shstrtab\x00")
	dataOff := uint64(64)
	strOff := dataOff + uint64(len(data))
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	ehdr := make([]byte, 64)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	putU16 := func(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
	putU32 := func(b []byte, v uint32) {
		for i := range 4 {
			b[i] = byte(v >> (8 * i))
		}
	}
	putU64 := func(b []byte, v uint64) {
		for i := range 8 {
			b[i] = byte(v >> (8 * i))
		}
	}
	putU16(ehdr[16:], 4)    // e_type ET_CORE
	putU16(ehdr[18:], 0x3e) // e_machine EM_X86_64
	putU32(ehdr[20:], 1)    // e_version
	putU64(ehdr[40:], shOff)
	putU16(ehdr[52:], 64) // e_ehsize
	putU16(ehdr[58:], 64) // e_shentsize
	putU16(ehdr[60:], 3)  // e_shnum
	putU16(ehdr[62:], 2)  // e_shstrndx
	buf.Write(ehdr)

	buf.Write(data)
	buf.Write(shstrtab)
	for buf.Len() < int(shOff) {
		buf.WriteByte(0)
	}

	shdr := func(name, typ uint32, vaddr, off, size uint64) {
		b := make([]byte, 64)
		putU32(b[0:], name)
		putU32(b[4:], typ)
		putU64(b[16:], vaddr)
		putU64(b[24:], off)
		putU64(b[32:], size)
		buf.Write(b)
	}
	shdr(0, 0, 0, 0, 0)
	shdr(1, 1, addr, dataOff, uint64(len(data))) // .data SHT_PROGBITS
	shdr(7, 3, 0, strOff, uint64(len(shstrtab))) // .shstrtab SHT_STRTAB

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write core file: %v", err)
	}
}

// TestIsCLIMode tests the isCLIMode function.
func TestIsCLIMode(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{
			name:     "no args",
			args:     []string{"chew"},
			expected: false,
		},
		{
			name:     "scan command",
			args:     []string{"chew", "scan"},
			expected: true,
		},
		{
			name:     "fetch command",
			args:     []string{"chew", "fetch"},
			expected: true,
		},
		{
			name:     "verify command",
			args:     []string{"chew", "verify"},
			expected: true,
		},
		{
			name:     "help flag",
			args:     []string{"chew", "--help"},
			expected: true,
		},
		{
			name:     "version flag",
			args:     []string{"chew", "--version"},
			expected: true,
		},
		{
			name:     "short help flag",
			args:     []string{"chew", "-h"},
			expected: true,
		},
		{
			name:     "short version flag",
			args:     []string{"chew", "-v"},
			expected: true,
		},
		{
			name:     "unknown arg defaults to MCP",
			args:     []string{"chew", "--unknown"},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Save and restore os.Args
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			result := isCLIMode()

			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

// TestIsHelpOrVersion tests the isHelpOrVersion function.
func TestIsHelpOrVersion(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{
			name:     "no args",
			args:     []string{"chew"},
			expected: false,
		},
		{
			name:     "help flag",
			args:     []string{"chew", "--help"},
			expected: true,
		},
		{
			name:     "short help flag",
			args:     []string{"chew", "-h"},
			expected: true,
		},
		{
			name:     "version flag",
			args:     []string{"chew", "--version"},
			expected: true,
		},
		{
			name:     "short version flag",
			args:     []string{"chew", "-v"},
			expected: true,
		},
		{
			name:     "help subcommand",
			args:     []string{"chew", "help"},
			expected: true,
		},
		{
			name:     "scan command is not help",
			args:     []string{"chew", "scan"},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			result := isHelpOrVersion()

			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}
