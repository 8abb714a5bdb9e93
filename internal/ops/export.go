package ops

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/errors"
)

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	ID             string // run to export
	Path           string // optional, default: ~/.chew/exports/<id-or-label>-<timestamp>.jsonl
	IncludeDeleted bool
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	ID         string `json:"id"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader represents the header line in a JSONL export file.
type ExportHeader struct {
	ChewExport    bool   `json:"_chew_export"`
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	Label         string `json:"label,omitempty"`
	ExportedAt    int64  `json:"exported_at"`
}

// Export writes a run's trace records to a JSONL file: one header line,
// then one record per line.
func Export(database *sql.DB, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}

	run, err := db.GetRun(database, id, input.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	records, err := db.GetRecords(database, run.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	exportedAt := now.Unix()

	// Determine export path
	exportPath := input.Path
	if exportPath == "" {
		exportPath, err = defaultExportPath(run, now)
		if err != nil {
			return nil, err
		}
	}

	// Validate ALL paths (both user-provided and default) for security.
	// This catches label injection attacks in default paths.
	if err := ValidatePath(exportPath, PathCheckWrite, ".jsonl", cfg); err != nil {
		return nil, err
	}

	// Ensure parent directory exists
	dir := filepath.Dir(exportPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	// Write to temp file first, then atomic rename to preserve existing file on failure
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	// Clean up temp file on failure (original file is preserved)
	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	// Write header line
	header := ExportHeader{
		ChewExport:    true,
		SchemaVersion: "1.0",
		RunID:         run.ID,
		ExportedAt:    exportedAt,
	}
	if run.Label != nil {
		header.Label = *run.Label
	}
	if err := writeJSONLine(file, header); err != nil {
		return nil, err
	}

	for _, rec := range records {
		if err := writeJSONLine(file, rec); err != nil {
			return nil, err
		}
	}

	// Ensure file is written
	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}

	// Close before atomic replace (required on Windows; fine elsewhere).
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// Check if destination is a symlink (os.Rename would follow it)
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}

	// Finalize export by renaming temp file into place.
	//
	// Note: On Windows, os.Rename fails if the destination exists. We intentionally
	// fail safely (preserving the existing file) instead of doing a non-atomic
	// delete+rename that could lose the original if rename fails.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; overwriting is not supported on Windows yet (choose a new path or delete the existing file)")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	return &ExportOutput{
		Path:       exportPath,
		ID:         run.ID,
		Count:      len(records),
		ExportedAt: exportedAt,
	}, nil
}

func writeJSONLine(file *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.NewInternal(err)
	}
	if _, err := file.Write(data); err != nil {
		return errors.NewInternal(err)
	}
	if _, err := file.Write([]byte("\n")); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// defaultExportPath generates the default export path.
// Format: ~/.chew/exports/<label-or-id>-<timestamp>.jsonl
func defaultExportPath(run *db.Run, now time.Time) (string, error) {
	exportsDir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}

	timestamp := now.Format("2006-01-02T150405")
	name := run.ID
	if run.Label != nil && *run.Label != "" {
		// Sanitize for filename to prevent path traversal/injection
		// via malicious labels
		name = SanitizeForFilename(*run.Label)
	}

	filename := fmt.Sprintf("%s-%s.jsonl", name, timestamp)
	return filepath.Join(exportsDir, filename), nil
}
